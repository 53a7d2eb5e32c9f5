package palette

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/astromechza/pixelcanvas/pkg/api"
	"github.com/astromechza/pixelcanvas/pkg/kvstore"
)

// countingStore records writes and can be told to fail them.
type countingStore struct {
	*kvstore.Memory
	writes  map[string]int
	failing bool
}

func newCountingStore() *countingStore {
	return &countingStore{Memory: kvstore.NewMemory(), writes: map[string]int{}}
}

func (c *countingStore) Set(key string, value []byte) error {
	c.writes[key]++
	if c.failing {
		return errors.New("quota exceeded")
	}
	return c.Memory.Set(key, value)
}

func (c *countingStore) total() int {
	n := 0
	for _, v := range c.writes {
		n += v
	}
	return n
}

func novel(i int) string {
	return fmt.Sprintf("#1%05X", i+1)
}

func TestNormalizeColor(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"#ff0000", "#FF0000", false},
		{"FF0000", "#FF0000", false},
		{" #abc ", "#AABBCC", false},
		{"#12345", "", true},
		{"#GG0000", "", true},
		{"red", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeColor(tt.in)
			if tt.wantErr {
				assert.Equal(t, api.IsKind(err, api.ValidationFailed), true)
				return
			}
			assert.Equal(t, err, nil)
			assert.Equal(t, got, tt.want)
		})
	}
}

func TestOpen_defaults(t *testing.T) {
	s := Open(kvstore.NewMemory())
	assert.Equal(t, s.ActiveSlot(), Slot{Kind: Fixed, Index: 0})
	assert.Equal(t, s.ActiveColor(), "#000000")
	assert.Equal(t, s.CustomColors(), [SlotCount]string{})
}

func TestOpen_restoresPersistedState(t *testing.T) {
	kv := kvstore.NewMemory()
	assert.Equal(t, kv.Set(kvstore.KeyCustomColors, []byte(`["#abcdef",null,null,null,null,null,null,null,null,"#123456"]`)), nil)
	assert.Equal(t, kv.Set(kvstore.KeyActiveSlot, []byte(`{"type":"custom","index":9}`)), nil)

	s := Open(kv)
	assert.Equal(t, s.ActiveSlot(), Slot{Kind: Custom, Index: 9})
	assert.Equal(t, s.ActiveColor(), "#123456")
	assert.Equal(t, s.CustomColors()[0], "#ABCDEF")
	assert.Equal(t, s.CustomColors()[1], "")
}

func TestOpen_ignoresMalformedState(t *testing.T) {
	for _, tt := range []struct{ colors, slot string }{
		{`["#abcdef"]`, `{"type":"custom","index":10}`},
		{`{`, `{"type":"hotbar","index":0}`},
		{`"nope"`, `[]`},
	} {
		kv := kvstore.NewMemory()
		assert.Equal(t, kv.Set(kvstore.KeyCustomColors, []byte(tt.colors)), nil)
		assert.Equal(t, kv.Set(kvstore.KeyActiveSlot, []byte(tt.slot)), nil)
		s := Open(kv)
		assert.Equal(t, s.ActiveSlot(), Slot{Kind: Fixed, Index: 0})
		assert.Equal(t, s.CustomColors(), [SlotCount]string{})
	}
}

func TestSelectSlot(t *testing.T) {
	kv := newCountingStore()
	s := Open(kv)

	s.SelectSlot(Fixed, 0)
	assert.Equal(t, kv.total(), 0)

	s.SelectSlot(Fixed, 3)
	assert.Equal(t, s.ActiveColor(), "#FF0000")
	assert.Equal(t, kv.writes[kvstore.KeyActiveSlot], 1)

	s.SelectSlot(Custom, 4)
	assert.Equal(t, s.ActiveColor(), FallbackColor)
	assert.Equal(t, s.CustomColors()[4], "")

	assert.PanicMatches(t, func() { s.SelectSlot(Custom, SlotCount) }, "palette slot out of range: custom 10")
	assert.PanicMatches(t, func() { s.SelectSlot(Fixed, -1) }, "palette slot out of range: fixed -1")
}

func TestSetFromPicker_fixedActiveSameColorIsNoop(t *testing.T) {
	kv := newCountingStore()
	s := Open(kv)
	s.SelectSlot(Fixed, 3)
	before := kv.total()

	assert.Equal(t, s.SetFromPicker("#ff0000"), nil)
	assert.Equal(t, kv.total(), before)
	assert.Equal(t, s.ActiveSlot(), Slot{Kind: Fixed, Index: 3})
}

func TestSetFromPicker_fixedActiveRoutesToCustom(t *testing.T) {
	kv := newCountingStore()
	s := Open(kv)

	assert.Equal(t, s.SetFromPicker("#123456"), nil)
	assert.Equal(t, s.ActiveSlot(), Slot{Kind: Custom, Index: 0})
	assert.Equal(t, s.ActiveColor(), "#123456")

	// a fixed colour other than the active one is still routed into a custom slot
	s.SelectSlot(Fixed, 0)
	assert.Equal(t, s.SetFromPicker("#ffffff"), nil)
	assert.Equal(t, s.ActiveSlot(), Slot{Kind: Custom, Index: 1})
	assert.Equal(t, s.CustomColors()[1], "#FFFFFF")
}

func TestSetFromPicker_customActiveOverwritesInPlace(t *testing.T) {
	kv := newCountingStore()
	s := Open(kv)
	s.SelectSlot(Custom, 5)

	assert.Equal(t, s.SetFromPicker("#00ff00"), nil)
	assert.Equal(t, s.ActiveSlot(), Slot{Kind: Custom, Index: 5})
	assert.Equal(t, s.CustomColors()[5], "#00FF00")

	writes := kv.total()
	assert.Equal(t, s.SetFromPicker("#00FF00"), nil)
	assert.Equal(t, kv.total(), writes)

	assert.Equal(t, s.SetFromPicker("#0000aa"), nil)
	assert.Equal(t, s.CustomColors()[5], "#0000AA")
	assert.Equal(t, kv.writes[kvstore.KeyCustomColors], 2)
}

func TestSetFromPicker_emptyCustomSlotIgnoresFallbackEcho(t *testing.T) {
	kv := newCountingStore()
	s := Open(kv)
	s.SelectSlot(Custom, 2)
	before := kv.total()

	assert.Equal(t, s.SetFromPicker("#000000"), nil)
	assert.Equal(t, kv.total(), before)
	assert.Equal(t, s.CustomColors()[2], "")
	assert.Equal(t, s.ActiveColor(), FallbackColor)

	// the carve-out only covers the empty slot: a genuinely different colour is stored
	assert.Equal(t, s.SetFromPicker("#010101"), nil)
	assert.Equal(t, s.CustomColors()[2], "#010101")
}

func TestSetFromPicker_evictsSlotZeroWhenFull(t *testing.T) {
	kv := newCountingStore()
	s := Open(kv)
	for i := 0; i < SlotCount+1; i++ {
		s.SelectSlot(Fixed, 0)
		assert.Equal(t, s.SetFromPicker(novel(i)), nil)
	}
	custom := s.CustomColors()
	assert.Equal(t, custom[0], novel(SlotCount))
	for i := 1; i < SlotCount; i++ {
		assert.Equal(t, custom[i], novel(i))
	}
	assert.Equal(t, s.ActiveSlot(), Slot{Kind: Custom, Index: 0})
}

func TestSetFromPicker_invalidColor(t *testing.T) {
	kv := newCountingStore()
	s := Open(kv)
	err := s.SetFromPicker("chartreuse")
	assert.Equal(t, api.IsKind(err, api.ValidationFailed), true)
	assert.Equal(t, kv.total(), 0)
}

func TestPickFromCanvas_selectsExistingSlots(t *testing.T) {
	kv := newCountingStore()
	s := Open(kv)
	assert.Equal(t, s.PickFromCanvas("#abcdef"), nil)
	assert.Equal(t, s.ActiveSlot(), Slot{Kind: Custom, Index: 0})

	colorWrites := kv.writes[kvstore.KeyCustomColors]
	assert.Equal(t, s.PickFromCanvas("#0000ff"), nil)
	assert.Equal(t, s.ActiveSlot(), Slot{Kind: Fixed, Index: 8})

	assert.Equal(t, s.PickFromCanvas("#ABCDEF"), nil)
	assert.Equal(t, s.ActiveSlot(), Slot{Kind: Custom, Index: 0})
	assert.Equal(t, kv.writes[kvstore.KeyCustomColors], colorWrites)
	assert.Equal(t, s.CustomColors()[1], "")
}

func TestPickFromCanvas_fullPaletteEviction(t *testing.T) {
	s := Open(newCountingStore())
	for i := 0; i < SlotCount; i++ {
		assert.Equal(t, s.PickFromCanvas(novel(i)), nil)
		assert.Equal(t, s.ActiveSlot(), Slot{Kind: Custom, Index: i})
	}

	// active custom slot is overwritten
	s.SelectSlot(Custom, 4)
	assert.Equal(t, s.PickFromCanvas("#FEFEFE"), nil)
	assert.Equal(t, s.CustomColors()[4], "#FEFEFE")
	assert.Equal(t, s.ActiveSlot(), Slot{Kind: Custom, Index: 4})

	// with a fixed slot active, slot 0 is overwritten
	s.SelectSlot(Fixed, 2)
	assert.Equal(t, s.PickFromCanvas("#EDEDED"), nil)
	assert.Equal(t, s.CustomColors()[0], "#EDEDED")
	assert.Equal(t, s.ActiveSlot(), Slot{Kind: Custom, Index: 0})
}

func TestPersistence_roundTrip(t *testing.T) {
	kv := kvstore.NewMemory()
	s := Open(kv)
	assert.Equal(t, s.PickFromCanvas("#101010"), nil)
	assert.Equal(t, s.PickFromCanvas("#202020"), nil)

	raw, ok, err := kv.Get(kvstore.KeyCustomColors)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, string(raw), `["#101010","#202020",null,null,null,null,null,null,null,null]`)

	reopened := Open(kv)
	assert.Equal(t, reopened.CustomColors(), s.CustomColors())
	assert.Equal(t, reopened.ActiveSlot(), Slot{Kind: Custom, Index: 1})
}

func TestPersistence_failureKeepsInMemoryChange(t *testing.T) {
	kv := newCountingStore()
	kv.failing = true
	s := Open(kv)
	assert.Equal(t, s.SetFromPicker("#445566"), nil)
	assert.Equal(t, s.ActiveColor(), "#445566")
	assert.Equal(t, s.ActiveSlot(), Slot{Kind: Custom, Index: 0})
	_, ok, _ := kv.Get(kvstore.KeyCustomColors)
	assert.Equal(t, ok, false)
}

func TestMarshalJSON(t *testing.T) {
	s := Open(kvstore.NewMemory())
	assert.Equal(t, s.SetFromPicker("#445566"), nil)
	raw, err := json.Marshal(s)
	assert.Equal(t, err, nil)
	var out struct {
		Custom      []*string `json:"custom"`
		ActiveSlot  Slot      `json:"active_slot"`
		ActiveColor string    `json:"active_color"`
	}
	assert.Equal(t, json.Unmarshal(raw, &out), nil)
	assert.Equal(t, *out.Custom[0], "#445566")
	assert.Equal(t, out.ActiveColor, "#445566")
}
