// Package identity resolves opaque user identifiers to display names. Resolved names are cached for the lifetime of
// the Resolver and concurrent lookups for the same identifier share one request.
package identity

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// LookupFunc fetches the display name of a user. Failures of any kind (not found, transport) are returned as errors.
type LookupFunc func(ctx context.Context, userID string) (string, error)

type Resolver struct {
	lookup LookupFunc
	group  singleflight.Group

	lock  sync.RWMutex
	names map[string]string
}

func NewResolver(lookup LookupFunc) *Resolver {
	return &Resolver{
		lookup: lookup,
		names:  make(map[string]string),
	}
}

// ResolveUsername returns the username for userID, or false when it could not be resolved. Failed lookups are not
// cached so a later call retries. A caller that gives up (ctx done) does not cancel the lookup; its result is still
// cached for the next caller.
func (r *Resolver) ResolveUsername(ctx context.Context, userID string) (string, bool) {
	if name, ok := r.Cached(userID); ok {
		return name, true
	}

	lookupCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(userID, func() (interface{}, error) {
		if name, ok := r.Cached(userID); ok {
			return name, nil
		}
		name, err := r.lookup(lookupCtx, userID)
		if err != nil {
			return nil, err
		}
		r.lock.Lock()
		r.names[userID] = name
		r.lock.Unlock()
		return name, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			slog.Debug("failed to resolve username", "user", userID, "err", res.Err)
			return "", false
		}
		return res.Val.(string), true
	case <-ctx.Done():
		return "", false
	}
}

func (r *Resolver) Cached(userID string) (string, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	name, ok := r.names[userID]
	return name, ok
}

func (r *Resolver) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.names)
}
