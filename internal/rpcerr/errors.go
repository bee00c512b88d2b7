// Package rpcerr 定义会话传输层的错误分类
//
// ConnectError 致命（需要调用方重新连接），RPCError / ErrTimeout 可恢复，
// ErrConnectionLost 表示接收循环已终止，所有挂起调用都会以它结束。
package rpcerr

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout is returned when no response arrived within the call deadline.
	// The request may still have been executed by the exchange.
	ErrTimeout = errors.New("rpc timeout: outcome unknown")

	// ErrConnectionLost is returned for calls that were outstanding when the
	// receive loop stopped, and for calls issued after that.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNotConnected is returned when an operation needs an open connection.
	ErrNotConnected = errors.New("not connected")

	// ErrNotAuthenticated is returned locally, before anything is sent, when a
	// private method is called without a valid access token.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Connect stages.
const (
	StageDial      = "dial"
	StageTLS       = "tls"
	StageHandshake = "handshake"
)

// ConnectError reports a failed DNS/TCP/TLS/WebSocket handshake.
type ConnectError struct {
	Stage string
	URL   string
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s (%s): %v", e.URL, e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ProtocolError describes an inbound frame that is neither a response nor a
// known notification. It is logged and dropped, never returned to callers.
type ProtocolError struct {
	Reason string
	Frame  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s (frame=%q)", e.Reason, e.Frame)
}

// NewProtocolError truncates the frame so log lines stay bounded.
func NewProtocolError(reason string, frame []byte) *ProtocolError {
	const maxFrame = 240
	s := string(frame)
	if len(s) > maxFrame {
		s = s[:maxFrame] + "...(truncated)"
	}
	return &ProtocolError{Reason: reason, Frame: s}
}

// IsRecoverable reports whether the session can keep being used after err.
// Only connection-level failures require a reconnect.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var connErr *ConnectError
	if errors.As(err, &connErr) {
		return false
	}
	return !errors.Is(err, ErrConnectionLost) && !errors.Is(err, ErrNotConnected)
}
