package metrics

import "expvar"

// 会话传输层计数器，通过 /debug/vars 暴露
var (
	RPCCalls         = expvar.NewInt("rpc_calls")
	RPCErrors        = expvar.NewInt("rpc_errors")
	RPCTimeouts      = expvar.NewInt("rpc_timeouts")
	LateResponses    = expvar.NewInt("rpc_late_responses")
	FramesReceived   = expvar.NewInt("frames_received")
	ProtocolErrors   = expvar.NewInt("protocol_errors")
	PushEvents       = expvar.NewInt("push_events")
	PushDropped      = expvar.NewInt("push_dropped")
	CallbackFailures = expvar.NewInt("callback_failures")
	ConnectionsLost  = expvar.NewInt("connections_lost")
)

// Latency holds per-label latency aggregates, keyed by operation label.
var Latency = expvar.NewMap("latency")

// Counters returns a copy of the counter values, used by the status API.
func Counters() map[string]int64 {
	return map[string]int64{
		"rpc_calls":          RPCCalls.Value(),
		"rpc_errors":         RPCErrors.Value(),
		"rpc_timeouts":       RPCTimeouts.Value(),
		"rpc_late_responses": LateResponses.Value(),
		"frames_received":    FramesReceived.Value(),
		"protocol_errors":    ProtocolErrors.Value(),
		"push_events":        PushEvents.Value(),
		"push_dropped":       PushDropped.Value(),
		"callback_failures":  CallbackFailures.Value(),
		"connections_lost":   ConnectionsLost.Value(),
	}
}
