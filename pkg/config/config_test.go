package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestNew_defaults(t *testing.T) {
	c, err := New("", "")
	assert.Equal(t, err, nil)
	assert.Equal(t, c.BaseURL.String(), DefaultBaseURL)
	assert.Equal(t, c.DatabasePath, DefaultDatabasePath)
	assert.Equal(t, c.APIURL("auth", "login").String(), "http://localhost:8000/api/auth/login")
	assert.Equal(t, c.SocketURL().String(), "ws://localhost:8000/api/ws")
}

func TestNew_trimsTrailingSlash(t *testing.T) {
	c, err := New("https://canvas.example.com/", "x.db")
	assert.Equal(t, err, nil)
	assert.Equal(t, c.BaseURL.String(), "https://canvas.example.com")
	assert.Equal(t, c.SocketURL().String(), "wss://canvas.example.com/api/ws")
	assert.Equal(t, c.DatabasePath, "x.db")
}

func TestNew_rejectsScheme(t *testing.T) {
	_, err := New("ftp://nope", "")
	assert.NotEqual(t, err, nil)
}

func TestLoad_envFile(t *testing.T) {
	t.Setenv(BaseURLEnv, "")
	_ = os.Unsetenv(BaseURLEnv)
	t.Setenv(DatabasePathEnv, "")
	_ = os.Unsetenv(DatabasePathEnv)

	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	assert.Equal(t, os.WriteFile(envFile, []byte("PIXEL_CANVAS_API_BASE=http://10.0.0.1:9000/\nPIXEL_CANVAS_DB=/tmp/p.db\n"), 0o600), nil)

	c, err := Load(filepath.Join(dir, "missing.env"), envFile)
	assert.Equal(t, err, nil)
	assert.Equal(t, c.BaseURL.String(), "http://10.0.0.1:9000")
	assert.Equal(t, c.DatabasePath, "/tmp/p.db")
}
