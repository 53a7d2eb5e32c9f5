package auth

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/astromechza/pixelcanvas/pkg/api"
)

// RefreshFunc exchanges the stored refresh credential for a new access credential.
type RefreshFunc func(ctx context.Context) error

// Coordinator wraps a Transport and recovers expired authorization with at most one refresh in flight. Callers that
// hit an authorization failure while a refresh is running wait for it and share its outcome.
type Coordinator struct {
	transport api.Transport
	refresh   RefreshFunc
	onDenied  func(err error)

	lock       sync.Mutex
	inflight   *refreshCall
	last       *refreshCall
	generation uint64
}

// refreshCall resolves exactly once: err is written before done is closed.
type refreshCall struct {
	done chan struct{}
	err  error
}

// NewCoordinator builds a coordinator. onDenied is invoked once per failed refresh, before any waiter resumes.
func NewCoordinator(transport api.Transport, refresh RefreshFunc, onDenied func(err error)) *Coordinator {
	return &Coordinator{
		transport: transport,
		refresh:   refresh,
		onDenied:  onDenied,
	}
}

// Execute sends req. On an authorization failure it joins (or starts) the refresh and replays req once if the
// refresh succeeded. When the refresh fails the original failure response is returned as-is.
func (c *Coordinator) Execute(ctx context.Context, req *api.Request) (*api.Response, error) {
	sentAt := c.currentGeneration()
	resp, err := c.transport.Do(ctx, req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || req.NoRefresh {
		return resp, err
	}

	call := c.join(sentAt)
	select {
	case <-call.done:
	case <-ctx.Done():
		return nil, &api.Error{
			Kind:       api.AuthorizationExpired,
			StatusCode: resp.StatusCode,
			Message:    "authorization expired while waiting for refresh",
			Err:        ctx.Err(),
		}
	}
	if call.err != nil {
		return resp, nil
	}
	slog.Debug("replaying request after refresh", "method", req.Method, "path", req.Path)
	return c.transport.Do(ctx, req)
}

// Refreshes returns the number of refresh calls that have completed.
func (c *Coordinator) Refreshes() uint64 {
	return c.currentGeneration()
}

func (c *Coordinator) currentGeneration() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.generation
}

// join returns the refresh that answers a failure for a request sent at generation sentAt. A refresh that completed
// after the request was sent already covers it.
func (c *Coordinator) join(sentAt uint64) *refreshCall {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.inflight != nil {
		return c.inflight
	}
	if c.generation != sentAt && c.last != nil {
		return c.last
	}
	call := &refreshCall{done: make(chan struct{})}
	c.inflight = call
	go c.run(call)
	return call
}

func (c *Coordinator) run(call *refreshCall) {
	slog.Debug("refreshing credentials")
	err := c.refresh(context.Background())
	if err != nil {
		slog.Warn("credential refresh failed", "err", err)
		if c.onDenied != nil {
			c.onDenied(err)
		}
	}

	c.lock.Lock()
	call.err = err
	c.inflight = nil
	c.last = call
	c.generation++
	c.lock.Unlock()
	close(call.done)
}
