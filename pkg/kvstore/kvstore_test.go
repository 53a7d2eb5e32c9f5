package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func exerciseStore(t *testing.T, s Store) {
	_, ok, err := s.Get("missing")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	assert.Equal(t, s.Set("a", []byte(`"one"`)), nil)
	assert.Equal(t, s.Set("a", []byte(`"two"`)), nil)
	v, ok, err := s.Get("a")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, string(v), `"two"`)

	type slot struct {
		Type  string `json:"type"`
		Index int    `json:"index"`
	}
	assert.Equal(t, SetJSON(s, KeyActiveSlot, slot{"custom", 3}), nil)
	var out slot
	found, err := GetJSON(s, KeyActiveSlot, &out)
	assert.Equal(t, err, nil)
	assert.Equal(t, found, true)
	assert.Equal(t, out, slot{"custom", 3})

	assert.Equal(t, s.Set("broken", []byte("{")), nil)
	_, err = GetJSON(s, "broken", &out)
	assert.NotEqual(t, err, nil)

	assert.Equal(t, s.Delete("a"), nil)
	_, ok, _ = s.Get("a")
	assert.Equal(t, ok, false)
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLite(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	assert.Equal(t, err, nil)
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLite_survivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.sqlite3")
	s, err := OpenSQLite(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, s.Set(KeyLastEmail, []byte(`"a@b.c"`)), nil)
	assert.Equal(t, s.Close(), nil)

	s, err = OpenSQLite(path)
	assert.Equal(t, err, nil)
	defer s.Close()
	v, ok, err := s.Get(KeyLastEmail)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, string(v), `"a@b.c"`)
}
