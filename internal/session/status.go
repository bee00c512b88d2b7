package session

import (
	"time"

	"github.com/betbot/deritrader/internal/latency"
)

// Status is a point-in-time view used by the status API and the CLI.
type Status struct {
	State         State           `json:"state"`
	URL           string          `json:"url"`
	Authenticated bool            `json:"authenticated"`
	AuthExpiresAt *time.Time      `json:"auth_expires_at,omitempty"`
	PendingCalls  int             `json:"pending_calls"`
	Channels      []string        `json:"channels"`
	Latency       []latency.Stats `json:"latency"`
	RateLimit     map[string]int  `json:"rate_limit_remaining"` // 按类别剩余令牌
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.RLock()
	st := Status{
		State: s.state,
		URL:   s.cfg.Transport.URL,
	}
	if s.auth != nil {
		exp := s.auth.ExpiresAt
		st.AuthExpiresAt = &exp
		st.Authenticated = s.state == StateAuthenticated && s.auth.Valid(s.now())
	}
	corr := s.corr
	s.mu.RUnlock()

	if corr != nil {
		st.PendingCalls = corr.Pending()
	}
	st.Channels = s.registry.Channels()
	st.Latency = s.latency.Snapshot()
	st.RateLimit = s.limiter.Remaining()
	return st
}
