package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/deritrader/internal/rpcerr"
)

const methodAuth = "public/auth"

// Authenticate runs the client_credentials grant and stores the token.
// Trading methods fail locally until this succeeds.
func (s *Session) Authenticate(ctx context.Context, clientID, clientSecret string) (*AuthState, error) {
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("authenticate: client id and secret are required")
	}
	params := map[string]interface{}{
		"grant_type":    "client_credentials",
		"client_id":     clientID,
		"client_secret": clientSecret,
	}
	return s.grant(ctx, "authenticate", params)
}

// RefreshAuth exchanges the stored refresh token for a new access token.
func (s *Session) RefreshAuth(ctx context.Context) (*AuthState, error) {
	s.mu.RLock()
	auth := s.auth
	s.mu.RUnlock()
	if auth == nil || auth.RefreshToken == "" {
		return nil, errors.Wrap(rpcerr.ErrNotAuthenticated, "refreshAuth: no refresh token")
	}
	params := map[string]interface{}{
		"grant_type":    "refresh_token",
		"refresh_token": auth.RefreshToken,
	}
	return s.grant(ctx, "refreshAuth", params)
}

func (s *Session) grant(ctx context.Context, label string, params map[string]interface{}) (*AuthState, error) {
	s.mu.RLock()
	corr := s.corr
	s.mu.RUnlock()

	raw, err := s.call(ctx, label, methodAuth, params, false)
	if err != nil {
		return nil, err
	}

	var res authResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, "decode auth result")
	}
	if res.AccessToken == "" {
		return nil, rpcerr.NewProtocolError("auth result without access_token", raw)
	}

	auth := &AuthState{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		Scope:        res.Scope,
		TokenType:    res.TokenType,
		ExpiresAt:    s.now().Add(time.Duration(res.ExpiresIn) * time.Second),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// 认证期间连接被替换或断开，令牌不属于当前连接
	if s.corr != corr || !s.state.Connected() {
		return nil, errors.Wrap(rpcerr.ErrConnectionLost, label)
	}
	s.auth = auth
	s.setStateLocked(StateAuthenticated)
	log.Infof("🔑 authenticated (scope=%s, expires %s)", auth.Scope, auth.ExpiresAt.Format(time.RFC3339))

	out := *auth
	return &out, nil
}
