// Package apitest runs an in-process canvas API with the same routes, payloads and socket envelopes as the real
// service. It keeps all state in memory and is meant to be mounted on an httptest.Server.
package apitest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/pixelcanvas/pkg/api"
)

const (
	DefaultWidth            = 64
	DefaultHeight           = 64
	DefaultVerificationCode = "123456"
)

type user struct {
	api.AuthUser
	password string
}

type snapshot struct {
	api.Snapshot
	pixels map[string]api.PixelData
}

type Server struct {
	secret       []byte
	tokenTTL     time.Duration
	refreshDelay time.Duration
	code         string
	width        int
	height       int

	lock          sync.Mutex
	epoch         int64
	users         map[string]*user
	usersByID     map[string]*user
	refreshTokens map[string]string
	pixels        map[string]api.PixelData
	lastTimestamp int64
	snapshots     []snapshot

	refreshCalls atomic.Int64
	hub          *hub
	router       *mux.Router
}

type Option func(s *Server)

func WithCanvasSize(width, height int) Option {
	return func(s *Server) {
		s.width, s.height = width, height
	}
}

// WithTokenTTL sets the lifetime written into the exp claim of access tokens.
func WithTokenTTL(d time.Duration) Option {
	return func(s *Server) {
		s.tokenTTL = d
	}
}

// WithRefreshDelay holds every refresh call for d before answering.
func WithRefreshDelay(d time.Duration) Option {
	return func(s *Server) {
		s.refreshDelay = d
	}
}

func WithVerificationCode(code string) Option {
	return func(s *Server) {
		s.code = code
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		secret:        []byte(ulid.Make().String()),
		tokenTTL:      time.Hour,
		code:          DefaultVerificationCode,
		width:         DefaultWidth,
		height:        DefaultHeight,
		users:         make(map[string]*user),
		usersByID:     make(map[string]*user),
		refreshTokens: make(map[string]string),
		pixels:        make(map[string]api.PixelData),
		hub:           newHub(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Debug("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code, "request", request.Header.Get(api.RequestIDHeader))
		})
	})
	a := r.PathPrefix("/api").Subrouter()
	a.Methods(http.MethodPost).Path("/auth/register").HandlerFunc(s.register)
	a.Methods(http.MethodPost).Path("/auth/verify").HandlerFunc(s.verify)
	a.Methods(http.MethodPost).Path("/auth/login").HandlerFunc(s.login)
	a.Methods(http.MethodPost).Path("/auth/refresh").HandlerFunc(s.refresh)
	a.Methods(http.MethodPost).Path("/auth/logout").HandlerFunc(s.authenticated(s.logout))
	a.Methods(http.MethodGet).Path("/auth/me").HandlerFunc(s.authenticated(s.me))
	a.Methods(http.MethodGet).Path("/auth/user/{id}").HandlerFunc(s.userByID)
	a.Methods(http.MethodGet).Path("/canvas").HandlerFunc(s.getCanvas)
	a.Methods(http.MethodPost).Path("/canvas").HandlerFunc(s.authenticated(s.placePixel))
	a.Methods(http.MethodPost).Path("/canvas/overwrite").HandlerFunc(s.authenticated(s.overwrite))
	a.Methods(http.MethodGet).Path("/canvas/snapshots").HandlerFunc(s.listSnapshots)
	a.Methods(http.MethodGet).Path("/canvas/snapshots/{id}/download").HandlerFunc(s.downloadSnapshot)
	a.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.hub.serve)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// AddUser creates a verified account and returns its public identity.
func (s *Server) AddUser(email, username, password string) api.AuthUser {
	s.lock.Lock()
	defer s.lock.Unlock()
	u := &user{
		AuthUser: api.AuthUser{UserID: uuid.NewString(), Email: email, Username: username, EmailVerified: true},
		password: password,
	}
	s.users[email] = u
	s.usersByID[u.UserID] = u
	return u.AuthUser
}

// ExpireTokens invalidates every access token issued so far. Refresh tokens stay valid.
func (s *Server) ExpireTokens() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.epoch++
}

func (s *Server) RevokeRefreshTokens() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.refreshTokens = make(map[string]string)
}

// RefreshCalls counts every request that reached the refresh endpoint.
func (s *Server) RefreshCalls() int64 {
	return s.refreshCalls.Load()
}

func (s *Server) Connections() int {
	return s.hub.len()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "err", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail any) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

// writeFieldError mirrors the list-of-objects shape request validation errors use.
func writeFieldError(w http.ResponseWriter, field, msg string) {
	writeDetail(w, http.StatusUnprocessableEntity, []map[string]any{{"loc": []string{"body", field}, "msg": msg}})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

type tokenClaims struct {
	Epoch int64 `json:"ep"`
	jwt.RegisteredClaims
}

func (s *Server) issueToken(u *user) api.Token {
	now := time.Now()
	s.lock.Lock()
	epoch := s.epoch
	s.lock.Unlock()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Epoch: epoch,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Subject:   u.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		panic(fmt.Errorf("failed to sign token: %w", err))
	}
	return api.Token{AccessToken: signed, ExpiresIn: int(s.tokenTTL / time.Second)}
}

// authUser resolves the bearer token of r. Tokens minted before the last ExpireTokens call are rejected.
func (s *Server) authUser(r *http.Request) (*user, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil, false
	}
	claims := &tokenClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})); err != nil {
		slog.Debug("rejected token", "err", err)
		return nil, false
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if claims.Epoch < s.epoch {
		return nil, false
	}
	u, ok := s.usersByID[claims.Subject]
	return u, ok
}

type userHandler func(w http.ResponseWriter, r *http.Request, u *user)

func (s *Server) authenticated(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := s.authUser(r)
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		next(w, r, u)
	}
}
