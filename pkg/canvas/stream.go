package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/astromechza/pixelcanvas/pkg/api"
)

type DialFunc func(ctx context.Context) (api.Socket, error)

func (r *Reconciler) readMessages(sock api.Socket, resync chan<- struct{}) error {
	for {
		mt, p, err := sock.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
			r.handleMessage(p, resync)
		default:
		}
	}
}

func (r *Reconciler) handleMessage(p []byte, resync chan<- struct{}) {
	var msg api.SocketMessage
	if err := json.Unmarshal(p, &msg); err != nil {
		r.dropped.Add(1)
		slog.Warn("dropping malformed socket message", "err", err)
		return
	}
	switch msg.Intent {
	case api.IntentPixel:
		var data api.PixelData
		if err := json.Unmarshal(msg.Payload, &data); err != nil {
			r.dropped.Add(1)
			slog.Warn("dropping malformed pixel payload", "err", err)
			return
		}
		r.ApplyEvent(EventFromData(data))
	case api.IntentBulkUpdate, api.IntentBulkOverwrite:
		// bulk changes are not replayed cell by cell, the baseline is reloaded instead
		select {
		case resync <- struct{}{}:
		default:
		}
	default:
		slog.Debug("ignoring socket message", "intent", msg.Intent)
	}
}

// Sync consumes one socket connection. Events are read in the background while a fresh snapshot is loaded, so the
// socket is never trusted without a baseline taken after it connected. It returns when the socket fails, a snapshot
// load fails or ctx is done.
func (r *Reconciler) Sync(ctx context.Context, sock api.Socket) error {
	r.beginLoad()

	resync := make(chan struct{}, 1)
	readErr := make(chan error, 1)
	go func() {
		readErr <- r.readMessages(sock, resync)
	}()
	stop := func(err error) error {
		_ = sock.Close()
		<-readErr
		return err
	}

	if _, err := r.LoadSnapshot(ctx); err != nil {
		return stop(err)
	}
	for {
		select {
		case err := <-readErr:
			_ = sock.Close()
			return err
		case <-resync:
			slog.Info("bulk canvas change announced, reloading snapshot")
			if _, err := r.LoadSnapshot(ctx); err != nil {
				return stop(err)
			}
		case <-ctx.Done():
			return stop(ctx.Err())
		}
	}
}

// Watch keeps a socket connection open until ctx is done, reconnecting and reloading the snapshot after every drop.
func (r *Reconciler) Watch(ctx context.Context, dial DialFunc) error {
	limiter := rate.NewLimiter(rate.Every(r.reconnectEvery), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			slog.Info("stopping canvas watch")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		sock, err := dial(ctx)
		if err != nil {
			slog.Error("failed to connect to canvas socket", "err", err)
			continue
		}
		slog.Info("connected to canvas socket")
		if err := r.Sync(ctx, sock); err != nil {
			if ctx.Err() != nil {
				slog.Info("stopping canvas watch")
				return ctx.Err()
			}
			slog.Error("canvas sync interrupted", "err", err)
		}
	}
}
