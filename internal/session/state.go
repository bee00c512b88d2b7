package session

import "fmt"

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected // 已连接，未认证
	StateAuthenticated
	StateClosing
	StateClosed
	StateFailed
)

var stateNames = map[State]string{
	StateDisconnected:  "disconnected",
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateAuthenticated: "authenticated",
	StateClosing:       "closing",
	StateClosed:        "closed",
	StateFailed:        "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions 合法的状态迁移；Failed 可从任意非终止状态进入
var transitions = map[State][]State{
	StateDisconnected:  {StateConnecting, StateClosed},
	StateConnecting:    {StateConnected, StateFailed, StateClosing},
	StateConnected:     {StateAuthenticated, StateClosing, StateFailed},
	StateAuthenticated: {StateAuthenticated, StateClosing, StateFailed},
	StateClosing:       {StateClosed},
	StateFailed:        {StateConnecting, StateClosing, StateClosed},
	StateClosed:        {StateConnecting},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Connected reports whether the socket is usable (authenticated or not).
func (s State) Connected() bool {
	return s == StateConnected || s == StateAuthenticated
}

// Ended reports whether the connection is gone and only Connect can continue.
func (s State) Ended() bool {
	return s == StateClosed || s == StateFailed
}
