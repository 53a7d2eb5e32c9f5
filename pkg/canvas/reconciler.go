// Package canvas holds the client's view of the shared canvas: a baseline snapshot fetched over REST merged with the
// pixel events pushed over the socket.
package canvas

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astromechza/pixelcanvas/pkg/api"
)

// Source is the remote side of the canvas.
type Source interface {
	FetchCanvas(ctx context.Context) (*api.CanvasState, error)
	PlacePixel(ctx context.Context, args api.PlacePixelArgs) (*api.PixelData, error)
	OverwriteCanvas(ctx context.Context, pngData []byte) (*api.OverwriteResult, error)
}

type Reconciler struct {
	source         Source
	reconnectEvery time.Duration

	// loadLock serialises snapshot loads
	loadLock sync.Mutex

	lock     sync.RWMutex
	grid     *Grid
	loading  bool
	buffered []PixelEvent
	onApply  func(PixelEvent)

	dropped atomic.Uint64
}

type Option func(r *Reconciler)

// WithReconnectInterval sets the minimum time between socket connection attempts in Watch.
func WithReconnectInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		r.reconnectEvery = d
	}
}

func NewReconciler(source Source, opts ...Option) *Reconciler {
	r := &Reconciler{source: source, reconnectEvery: time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnApply registers a callback invoked after every applied event. It is called outside of the reconciler's lock.
func (r *Reconciler) OnApply(fn func(PixelEvent)) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.onApply = fn
}

// beginLoad starts buffering incoming events. It keeps an existing buffer when a load is already underway.
func (r *Reconciler) beginLoad() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if !r.loading {
		r.loading = true
		r.buffered = nil
	}
}

// LoadSnapshot fetches the full canvas and replaces the held grid with it. Events received while the fetch was in
// flight are replayed on top when they are strictly newer than the snapshot's value for their cell.
func (r *Reconciler) LoadSnapshot(ctx context.Context) (*Grid, error) {
	r.loadLock.Lock()
	defer r.loadLock.Unlock()

	r.beginLoad()
	state, err := r.source.FetchCanvas(ctx)
	var grid *Grid
	if err == nil {
		grid, err = GridFromState(state)
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	buffered := r.buffered
	r.loading = false
	r.buffered = nil
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	// compare against the snapshot's own values, not against earlier replayed events
	base := make(map[Point]int64, len(buffered))
	for _, ev := range buffered {
		p := Point{X: ev.X, Y: ev.Y}
		if _, seen := base[p]; seen {
			continue
		}
		if current, ok := grid.Cell(ev.X, ev.Y); ok {
			base[p] = current.Timestamp
		} else {
			base[p] = math.MinInt64
		}
	}
	replayed := 0
	for _, ev := range buffered {
		if !grid.InBounds(ev.X, ev.Y) {
			r.drop("buffered pixel event out of range", ev)
			continue
		}
		if ev.Timestamp > base[Point{X: ev.X, Y: ev.Y}] {
			grid.set(ev)
			replayed++
		}
	}
	r.grid = grid
	slog.Debug("loaded canvas snapshot", "width", grid.Width(), "height", grid.Height(), "pixels", grid.Len(), "buffered", len(buffered), "replayed", replayed)
	return grid.Clone(), nil
}

// ApplyEvent writes the event's value into its cell, last write wins by arrival order. Malformed or out-of-range
// events are logged and dropped. It reports whether the event was accepted.
func (r *Reconciler) ApplyEvent(ev PixelEvent) bool {
	if !ValidColor(ev.Color) || ev.X < 0 || ev.Y < 0 {
		r.drop("malformed pixel event", ev)
		return false
	}

	r.lock.Lock()
	if r.grid == nil && !r.loading {
		r.lock.Unlock()
		r.drop("pixel event before any snapshot", ev)
		return false
	}
	if r.grid != nil && !r.grid.InBounds(ev.X, ev.Y) {
		r.lock.Unlock()
		r.drop("pixel event out of range", ev)
		return false
	}
	if r.grid != nil {
		r.grid.set(ev)
	}
	if r.loading {
		r.buffered = append(r.buffered, ev)
	}
	fn := r.onApply
	r.lock.Unlock()

	if fn != nil {
		fn(ev)
	}
	return true
}

func (r *Reconciler) drop(reason string, ev PixelEvent) {
	r.dropped.Add(1)
	slog.Warn("dropping "+reason, "x", ev.X, "y", ev.Y, "color", ev.Color, "timestamp", ev.Timestamp)
}

// Dropped is the number of events rejected as protocol violations.
func (r *Reconciler) Dropped() uint64 {
	return r.dropped.Load()
}

// PlacePixel submits a pixel and applies the server's echo. Nothing is written locally before the server confirms.
func (r *Reconciler) PlacePixel(ctx context.Context, x, y int, color string) (PixelEvent, error) {
	if !ValidColor(color) {
		return PixelEvent{}, api.NewValidationError("invalid color %q", color)
	}
	if w, h, ok := r.Dimensions(); ok && (x < 0 || y < 0 || x >= w || y >= h) {
		return PixelEvent{}, api.NewValidationError("Pixel coords out of bounds: (%d, %d)", x, y)
	}
	data, err := r.source.PlacePixel(ctx, api.PlacePixelArgs{X: x, Y: y, Color: color})
	if err != nil {
		return PixelEvent{}, err
	}
	ev := EventFromData(*data)
	if r.tracking() {
		r.ApplyEvent(ev)
	}
	return ev, nil
}

// tracking reports whether a grid is held or being loaded, so that applied events have somewhere to land.
func (r *Reconciler) tracking() bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.grid != nil || r.loading
}

// Overwrite replaces the canvas with img and reloads the snapshot. The returned count is the number of cells the
// server reports as changed.
func (r *Reconciler) Overwrite(ctx context.Context, img image.Image) (int, error) {
	var buff bytes.Buffer
	if err := png.Encode(&buff, img); err != nil {
		return 0, fmt.Errorf("failed to encode image: %w", err)
	}
	res, err := r.source.OverwriteCanvas(ctx, buff.Bytes())
	if err != nil {
		return 0, err
	}
	if _, err := r.LoadSnapshot(ctx); err != nil {
		return res.PixelsUpdated, err
	}
	return res.PixelsUpdated, nil
}

// Grid returns a copy of the current grid or nil when no snapshot has been loaded.
func (r *Reconciler) Grid() *Grid {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if r.grid == nil {
		return nil
	}
	return r.grid.Clone()
}

func (r *Reconciler) Cell(x, y int) (Cell, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if r.grid == nil {
		return Cell{}, false
	}
	return r.grid.Cell(x, y)
}

func (r *Reconciler) Dimensions() (int, int, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if r.grid == nil {
		return 0, 0, false
	}
	return r.grid.Width(), r.grid.Height(), true
}
