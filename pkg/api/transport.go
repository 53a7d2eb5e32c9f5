package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/pixelcanvas/pkg/config"
)

const (
	defaultHttpTimeout        = 60 * time.Second
	defaultHttpConnectTimeout = 5 * time.Second
	defaultHttpTlsTimeout     = 5 * time.Second

	RequestIDHeader = "X-Request-Id"
)

// Request describes one REST call. Path is relative to the /api prefix.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        any
	RawBody     []byte
	ContentType string

	// NoRefresh marks an authorization failure from this endpoint as terminal rather than a trigger for a
	// credential refresh.
	NoRefresh bool
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// Socket is the read side of the canvas websocket.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Transport issues REST calls and opens the canvas socket.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
	Dial(ctx context.Context) (Socket, error)
}

type HTTPTransport struct {
	cfg    *config.Config
	client *http.Client
	dialer *websocket.Dialer

	lock  sync.RWMutex
	token string
}

func NewHTTPTransport(cfg *config.Config) *HTTPTransport {
	jar, _ := cookiejar.New(nil)
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	return &HTTPTransport{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: defaultHttpTlsTimeout,
			},
			Jar:     jar,
			Timeout: defaultHttpTimeout,
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHttpConnectTimeout,
			Jar:              jar,
		},
	}
}

// SetToken sets the bearer token attached to every subsequent request. An empty token removes the header.
func (t *HTTPTransport) SetToken(token string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.token = token
}

func (t *HTTPTransport) authHeader() string {
	t.lock.RLock()
	defer t.lock.RUnlock()
	if t.token == "" {
		return ""
	}
	return "Bearer " + t.token
}

func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	u := t.cfg.APIURL(strings.Split(strings.Trim(req.Path, "/"), "/")...)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	contentType := req.ContentType
	if req.RawBody != nil {
		body = bytes.NewReader(req.RawBody)
	} else if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if auth := t.authHeader(); auth != "" {
		httpReq.Header.Set("Authorization", auth)
	}
	httpReq.Header.Set(RequestIDHeader, ulid.Make().String())

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, NewTransportError(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransportError(fmt.Errorf("failed to read response body: %w", err))
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

func (t *HTTPTransport) Dial(ctx context.Context) (Socket, error) {
	header := http.Header{}
	if auth := t.authHeader(); auth != "" {
		header.Set("Authorization", auth)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.SocketURL().String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, NewTransportError(fmt.Errorf("failed to dial: %w", err))
	}
	return conn, nil
}
