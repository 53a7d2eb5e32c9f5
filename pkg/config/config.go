package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultBaseURL      = "http://localhost:8000"
	DefaultDatabasePath = "pixelcanvas.sqlite3"

	BaseURLEnv      = "PIXEL_CANVAS_API_BASE"
	DatabasePathEnv = "PIXEL_CANVAS_DB"
)

type Config struct {
	BaseURL      *url.URL
	DatabasePath string
}

// Load reads the given env files (missing files are skipped) and then resolves the settings from the process
// environment, falling back to the defaults.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return New(os.Getenv(BaseURLEnv), os.Getenv(DatabasePathEnv))
}

func New(baseURL, databasePath string) (*Config, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if databasePath == "" {
		databasePath = DefaultDatabasePath
	}
	return &Config{BaseURL: u, DatabasePath: databasePath}, nil
}

// APIURL returns the url of an endpoint below the /api prefix.
func (c *Config) APIURL(elem ...string) *url.URL {
	return c.BaseURL.JoinPath(append([]string{"api"}, elem...)...)
}

func (c *Config) SocketURL() *url.URL {
	u := c.APIURL("ws")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u
}
