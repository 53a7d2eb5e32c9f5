package client

import (
	"context"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/astromechza/pixelcanvas/pkg/api"
	"github.com/astromechza/pixelcanvas/pkg/auth"
	"github.com/astromechza/pixelcanvas/pkg/kvstore"
)

// refresh exchanges the refresh token for a new access token. It goes straight to the transport so a rejected
// refresh can never start another refresh.
func (c *Client) refresh(ctx context.Context) error {
	state := c.session.State()
	if state.RefreshToken == "" {
		return &api.Error{Kind: api.AuthorizationDenied, StatusCode: http.StatusUnauthorized, Message: "No refresh token"}
	}
	args := api.RefreshArgs{RefreshToken: state.RefreshToken}
	if state.User != nil {
		args.Email = state.User.Email
	} else {
		var email string
		if ok, _ := kvstore.GetJSON(c.kv, kvstore.KeyLastEmail, &email); ok {
			args.Email = email
		}
	}
	resp, err := c.transport.Do(ctx, &api.Request{
		Method:    http.MethodPost,
		Path:      "auth/refresh",
		Body:      args,
		NoRefresh: true,
	})
	if err != nil {
		return fmt.Errorf("failed to refresh: %w", err)
	}
	if !resp.OK() {
		return api.ErrorFromResponse(resp, "Session refresh failed")
	}
	out := &api.RefreshResult{}
	if err := resp.Decode(out); err != nil {
		return err
	}
	c.session.UpdateAccessToken(out.AccessToken, out.ExpiresIn)
	c.transport.SetToken(out.AccessToken)
	c.saveSession()
	slog.Debug("refreshed access token")
	return nil
}

func (c *Client) denied(err error) {
	slog.Warn("session refresh failed, signing out", "err", err)
	c.endSession()
}

func (c *Client) endSession() {
	c.session.Clear()
	c.transport.SetToken("")
	if err := c.kv.Delete(kvstore.KeySession); err != nil {
		slog.Error("failed to delete session", "err", err)
	}
}

func (c *Client) saveSession() {
	if err := kvstore.SetJSON(c.kv, kvstore.KeySession, c.session.State()); err != nil {
		slog.Error("failed to save session", "err", err)
	}
}

func (c *Client) restoreSession() {
	var state auth.SessionState
	if ok, err := kvstore.GetJSON(c.kv, kvstore.KeySession, &state); err != nil {
		slog.Warn("ignoring stored session", "err", err)
		return
	} else if !ok || state.User == nil {
		return
	}
	c.session.Restore(state)
	// without a refresh token an expired access token can never be renewed
	if c.session.Expired(time.Now()) && state.RefreshToken == "" {
		slog.Info("stored session has expired", "user", state.User.UserID, "expired_at", state.ExpiresAt)
		c.endSession()
		return
	}
	c.transport.SetToken(state.AccessToken)
	slog.Debug("restored session", "user", state.User.UserID, "expires_at", state.ExpiresAt)
}

// LastEmail returns the email of the most recent successful login, if any.
func (c *Client) LastEmail() string {
	var email string
	if _, err := kvstore.GetJSON(c.kv, kvstore.KeyLastEmail, &email); err != nil {
		slog.Warn("ignoring stored email", "err", err)
	}
	return email
}

// ImportImage decodes a PNG image and overwrites the canvas with it. It returns the number of changed pixels.
func (c *Client) ImportImage(ctx context.Context, r io.Reader) (int, error) {
	img, err := png.Decode(r)
	if err != nil {
		return 0, api.NewValidationError("failed to decode image: %v", err)
	}
	return c.canvas.Overwrite(ctx, img)
}

// ExportImage renders the current grid as a PNG. Empty cells are transparent.
func (c *Client) ExportImage(w io.Writer) error {
	grid := c.canvas.Grid()
	if grid == nil {
		return fmt.Errorf("failed to export: canvas not loaded")
	}
	if err := png.Encode(w, grid.Image()); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}
