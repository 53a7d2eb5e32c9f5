package canvas

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/astromechza/pixelcanvas/pkg/api"
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

func ValidColor(color string) bool {
	return colorPattern.MatchString(color)
}

type Point struct {
	X, Y int
}

type Cell struct {
	Color     string
	Timestamp int64
	PlacedBy  string
}

// PixelEvent is an authoritative assertion of one cell's value at a point in time.
type PixelEvent struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Color     string `json:"color"`
	Timestamp int64  `json:"timestamp"`
	PlacedBy  string `json:"userId"`
}

func EventFromData(d api.PixelData) PixelEvent {
	return PixelEvent{X: d.X, Y: d.Y, Color: d.Color, Timestamp: d.Timestamp, PlacedBy: d.UserID}
}

func (e PixelEvent) Cell() Cell {
	return Cell{Color: e.Color, Timestamp: e.Timestamp, PlacedBy: e.PlacedBy}
}

// Grid is a fixed-size canvas. Cells missing from the map are unset background.
type Grid struct {
	width, height int
	cells         map[Point]Cell
}

func NewGrid(width, height int) *Grid {
	return &Grid{width: width, height: height, cells: make(map[Point]Cell)}
}

// GridFromState builds a grid from a snapshot response. Pixels that are out of range or carry a malformed color
// are skipped.
func GridFromState(state *api.CanvasState) (*Grid, error) {
	if state == nil || state.Width <= 0 || state.Height <= 0 {
		return nil, fmt.Errorf("snapshot has invalid dimensions")
	}
	g := NewGrid(state.Width, state.Height)
	for key, p := range state.Pixels {
		if kx, ky, ok := parseKey(key); ok && (kx != p.X || ky != p.Y) {
			slog.Warn("snapshot pixel key does not match its coordinates", "key", key, "x", p.X, "y", p.Y)
		}
		if !g.InBounds(p.X, p.Y) || !ValidColor(p.Color) {
			slog.Warn("skipping invalid snapshot pixel", "key", key, "x", p.X, "y", p.Y, "color", p.Color)
			continue
		}
		g.set(EventFromData(p))
	}
	return g, nil
}

func parseKey(key string) (int, int, bool) {
	xs, ys, found := strings.Cut(key, "_")
	if !found {
		return 0, 0, false
	}
	x, errX := strconv.Atoi(xs)
	y, errY := strconv.Atoi(ys)
	return x, y, errX == nil && errY == nil
}

func (g *Grid) Width() int {
	return g.width
}

func (g *Grid) Height() int {
	return g.height
}

// Len is the number of set cells.
func (g *Grid) Len() int {
	return len(g.cells)
}

func (g *Grid) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < g.width && y < g.height
}

func (g *Grid) Cell(x, y int) (Cell, bool) {
	c, ok := g.cells[Point{x, y}]
	return c, ok
}

func (g *Grid) set(e PixelEvent) {
	g.cells[Point{e.X, e.Y}] = e.Cell()
}

func (g *Grid) Clone() *Grid {
	return &Grid{width: g.width, height: g.height, cells: maps.Clone(g.cells)}
}

// Points returns the set cells in row-major order.
func (g *Grid) Points() []Point {
	points := maps.Keys(g.cells)
	slices.SortFunc(points, func(a, b Point) int {
		if a.Y != b.Y {
			return a.Y - b.Y
		}
		return a.X - b.X
	})
	return points
}

// ParseColor converts "#RRGGBB" into an opaque color. Invalid input yields transparent black.
func ParseColor(c string) color.NRGBA {
	if !ValidColor(c) {
		return color.NRGBA{}
	}
	v, _ := strconv.ParseUint(c[1:], 16, 32)
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

// FormatColor is the inverse of ParseColor. Alpha is ignored.
func FormatColor(c color.Color) string {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return fmt.Sprintf("#%02X%02X%02X", n.R, n.G, n.B)
}

// Image renders the grid. Unset cells are transparent.
func (g *Grid) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, g.width, g.height))
	for p, c := range g.cells {
		img.SetNRGBA(p.X, p.Y, ParseColor(c.Color))
	}
	return img
}
