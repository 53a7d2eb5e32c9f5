package api

import (
	"encoding/json"
	"time"
)

type AuthUser struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	Username      string `json:"username"`
	EmailVerified bool   `json:"email_verified,omitempty"`
}

type RegisterArgs struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterResult struct {
	RequiresVerification bool   `json:"requires_verification"`
	UserID               string `json:"user_id"`
}

type VerifyArgs struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type LoginArgs struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

type LoginResult struct {
	User  AuthUser `json:"user"`
	Token Token    `json:"token"`
}

type RefreshArgs struct {
	RefreshToken string `json:"refresh_token"`
	Email        string `json:"email,omitempty"`
}

type RefreshResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type UserResult struct {
	Username string `json:"username"`
}

// PixelData is a single cell value as the server stores and broadcasts it.
type PixelData struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Color     string `json:"color"`
	UserID    string `json:"userId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// CanvasState is the full canvas snapshot. Pixels are keyed "x_y".
type CanvasState struct {
	Width  int                  `json:"canvas_width"`
	Height int                  `json:"canvas_height"`
	Pixels map[string]PixelData `json:"pixels"`
}

type PlacePixelArgs struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
}

type OverwriteResult struct {
	PixelsUpdated int   `json:"pixels_updated"`
	Timestamp     int64 `json:"timestamp"`
}

type Snapshot struct {
	SnapshotID   string    `json:"snapshot_id"`
	ImageURL     string    `json:"image_url"`
	ThumbnailURL string    `json:"thumbnail_url"`
	Width        int       `json:"canvas_width"`
	Height       int       `json:"canvas_height"`
	CreatedAt    time.Time `json:"created_at"`
}

type SnapshotList struct {
	Snapshots []Snapshot `json:"snapshots"`
	Total     int        `json:"total"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
}

const (
	IntentPixel         = "pixel"
	IntentBulkUpdate    = "bulk_update"
	IntentBulkOverwrite = "bulk_overwrite"
)

// SocketMessage is the envelope of every message pushed over the canvas websocket.
type SocketMessage struct {
	Intent  string          `json:"intent"`
	Payload json.RawMessage `json:"payload"`
}
