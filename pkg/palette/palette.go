// Package palette tracks the user's colour palette: ten fixed colours, ten user-assignable custom slots and the
// active slot selection. Every mutation is persisted to the key-value store on a best-effort basis.
package palette

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/astromechza/pixelcanvas/pkg/api"
	"github.com/astromechza/pixelcanvas/pkg/kvstore"
)

type Kind string

const (
	Fixed  Kind = "fixed"
	Custom Kind = "custom"
)

const SlotCount = 10

// FallbackColor is what an empty custom slot paints with. It is never written into the slot.
const FallbackColor = "#000000"

var FixedColors = [SlotCount]string{
	"#000000",
	"#808080",
	"#FFFFFF",
	"#FF0000",
	"#FFA500",
	"#FFFF00",
	"#008000",
	"#00FFFF",
	"#0000FF",
	"#800080",
}

type Slot struct {
	Kind  Kind `json:"type"`
	Index int  `json:"index"`
}

func (s Slot) valid() bool {
	return (s.Kind == Fixed || s.Kind == Custom) && s.Index >= 0 && s.Index < SlotCount
}

// NormalizeColor returns the canonical "#RRGGBB" upper case form of a hex colour. "#RGB" shorthand and a missing
// leading '#' are accepted.
func NormalizeColor(color string) (string, error) {
	c := strings.TrimPrefix(strings.TrimSpace(color), "#")
	if len(c) == 3 {
		c = string([]byte{c[0], c[0], c[1], c[1], c[2], c[2]})
	}
	if len(c) != 6 {
		return "", api.NewValidationError("invalid color %q", color)
	}
	for _, r := range c {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return "", api.NewValidationError("invalid color %q", color)
		}
	}
	return "#" + strings.ToUpper(c), nil
}

type Store struct {
	kv kvstore.Store

	lock   sync.RWMutex
	custom [SlotCount]string
	active Slot
}

// Open restores the palette from kv, falling back to the defaults (first fixed colour active, no custom colours)
// for anything missing or malformed.
func Open(kv kvstore.Store) *Store {
	s := &Store{kv: kv, active: Slot{Kind: Fixed, Index: 0}}

	var colors []*string
	if found, err := kvstore.GetJSON(kv, kvstore.KeyCustomColors, &colors); err != nil {
		slog.Error("failed to load custom colors", "err", err)
	} else if found && len(colors) == SlotCount {
		for i, c := range colors {
			if c == nil {
				continue
			}
			if norm, err := NormalizeColor(*c); err == nil {
				s.custom[i] = norm
			}
		}
	}

	var slot Slot
	if found, err := kvstore.GetJSON(kv, kvstore.KeyActiveSlot, &slot); err != nil {
		slog.Error("failed to load active slot", "err", err)
	} else if found && slot.valid() {
		s.active = slot
	}
	return s
}

func (s *Store) ActiveSlot() Slot {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.active
}

// CustomColors returns the custom slots. Empty slots are "".
func (s *Store) CustomColors() [SlotCount]string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.custom
}

// ActiveColor resolves the active slot to the colour to paint with.
func (s *Store) ActiveColor() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.activeColorLocked()
}

func (s *Store) activeColorLocked() string {
	if s.active.Kind == Fixed {
		return FixedColors[s.active.Index]
	}
	if c := s.custom[s.active.Index]; c != "" {
		return c
	}
	return FallbackColor
}

// SelectSlot makes the given slot active. An out of range index is a programming error and panics.
func (s *Store) SelectSlot(kind Kind, index int) {
	slot := Slot{Kind: kind, Index: index}
	if !slot.valid() {
		panic(fmt.Sprintf("palette slot out of range: %s %d", kind, index))
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.active == slot {
		return
	}
	s.active = slot
	s.persistSlot()
}

// SetFromPicker stores a colour chosen in the colour picker into the palette.
func (s *Store) SetFromPicker(color string) error {
	c, err := NormalizeColor(color)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.active.Kind == Fixed {
		if FixedColors[s.active.Index] == c {
			return nil
		}
		target := s.firstEmpty()
		if target < 0 {
			target = 0
		}
		s.custom[target] = c
		s.persistColors()
		s.active = Slot{Kind: Custom, Index: target}
		s.persistSlot()
		return nil
	}

	current := s.custom[s.active.Index]
	// an empty slot shows the fallback colour, so the picker echoing it back is not a change
	if current == c || (current == "" && c == FallbackColor) {
		return nil
	}
	s.custom[s.active.Index] = c
	s.persistColors()
	return nil
}

// PickFromCanvas handles the pipette: select the slot already holding color, otherwise store it in a custom slot.
func (s *Store) PickFromCanvas(color string) error {
	c, err := NormalizeColor(color)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	for i, fixed := range FixedColors {
		if fixed == c {
			s.selectLocked(Slot{Kind: Fixed, Index: i})
			return nil
		}
	}
	for i, custom := range s.custom {
		if custom == c {
			s.selectLocked(Slot{Kind: Custom, Index: i})
			return nil
		}
	}

	target := s.firstEmpty()
	if target < 0 {
		if s.active.Kind == Custom {
			target = s.active.Index
		} else {
			target = 0
		}
	}
	s.custom[target] = c
	s.persistColors()
	s.selectLocked(Slot{Kind: Custom, Index: target})
	return nil
}

func (s *Store) selectLocked(slot Slot) {
	if s.active == slot {
		return
	}
	s.active = slot
	s.persistSlot()
}

func (s *Store) firstEmpty() int {
	for i, c := range s.custom {
		if c == "" {
			return i
		}
	}
	return -1
}

// customJSON is the persisted shape of the custom slots: a fixed-length array with null for empty slots.
func (s *Store) customJSON() []*string {
	colors := make([]*string, SlotCount)
	for i := range s.custom {
		if s.custom[i] != "" {
			c := s.custom[i]
			colors[i] = &c
		}
	}
	return colors
}

func (s *Store) persistColors() {
	if err := kvstore.SetJSON(s.kv, kvstore.KeyCustomColors, s.customJSON()); err != nil {
		slog.Error("failed to save custom colors", "err", err)
	}
}

func (s *Store) persistSlot() {
	if err := kvstore.SetJSON(s.kv, kvstore.KeyActiveSlot, s.active); err != nil {
		slog.Error("failed to save active slot", "err", err)
	}
}

// MarshalJSON renders the palette for display.
func (s *Store) MarshalJSON() ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return json.Marshal(struct {
		Fixed       [SlotCount]string `json:"fixed"`
		Custom      []*string         `json:"custom"`
		ActiveSlot  Slot              `json:"active_slot"`
		ActiveColor string            `json:"active_color"`
	}{FixedColors, s.customJSON(), s.active, s.activeColorLocked()})
}
