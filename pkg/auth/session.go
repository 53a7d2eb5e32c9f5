package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/astromechza/pixelcanvas/pkg/api"
)

// Session is the authenticated identity of the running client plus the credentials backing it.
type Session struct {
	lock  sync.RWMutex
	state SessionState
}

// SessionState is the serialisable form of a Session.
type SessionState struct {
	User         *api.AuthUser `json:"user,omitempty"`
	AccessToken  string        `json:"access_token,omitempty"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at,omitempty"`
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) Start(user api.AuthUser, token api.Token) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.state = SessionState{
		User:         &user,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    tokenExpiry(token.AccessToken, token.ExpiresIn, time.Now()),
	}
}

// UpdateAccessToken swaps in a refreshed access token and keeps the identity and refresh token.
func (s *Session) UpdateAccessToken(accessToken string, expiresIn int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.state.AccessToken = accessToken
	s.state.ExpiresAt = tokenExpiry(accessToken, expiresIn, time.Now())
}

func (s *Session) Clear() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.state = SessionState{}
}

func (s *Session) Restore(state SessionState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.state = state
}

func (s *Session) State() SessionState {
	s.lock.RLock()
	defer s.lock.RUnlock()
	out := s.state
	if out.User != nil {
		u := *out.User
		out.User = &u
	}
	return out
}

func (s *Session) Authenticated() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.state.User != nil
}

func (s *Session) User() (api.AuthUser, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.state.User == nil {
		return api.AuthUser{}, false
	}
	return *s.state.User, true
}

func (s *Session) AccessToken() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.state.AccessToken
}

func (s *Session) RefreshToken() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.state.RefreshToken
}

// Expired reports whether the access token is known to be past its expiry. Unknown expiry is never expired.
func (s *Session) Expired(now time.Time) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return !s.state.ExpiresAt.IsZero() && !now.Before(s.state.ExpiresAt)
}

// tokenExpiry prefers the exp claim of a JWT access token. The signature is not checked: the server is the only
// party that can validate it and the client only uses the value as a hint.
func tokenExpiry(token string, expiresIn int, now time.Time) time.Time {
	if token != "" {
		if parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{}); err == nil {
			if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
				return exp.Time
			}
		}
	}
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second)
	}
	return time.Time{}
}
