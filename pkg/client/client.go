// Package client wires the transport, session, refresh coordination, identity cache, canvas reconciler and palette
// into one object per client session.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/astromechza/pixelcanvas/pkg/api"
	"github.com/astromechza/pixelcanvas/pkg/auth"
	"github.com/astromechza/pixelcanvas/pkg/canvas"
	"github.com/astromechza/pixelcanvas/pkg/config"
	"github.com/astromechza/pixelcanvas/pkg/identity"
	"github.com/astromechza/pixelcanvas/pkg/kvstore"
	"github.com/astromechza/pixelcanvas/pkg/palette"
)

// TokenTransport is a Transport that carries a bearer token.
type TokenTransport interface {
	api.Transport
	SetToken(token string)
}

type Client struct {
	transport   TokenTransport
	kv          kvstore.Store
	session     *auth.Session
	coordinator *auth.Coordinator
	identities  *identity.Resolver
	canvas      *canvas.Reconciler
	palette     *palette.Store
}

type Option func(c *options)

type options struct {
	transport     TokenTransport
	canvasOptions []canvas.Option
}

// WithTransport replaces the default HTTP transport.
func WithTransport(t TokenTransport) Option {
	return func(o *options) {
		o.transport = t
	}
}

func WithCanvasOptions(opts ...canvas.Option) Option {
	return func(o *options) {
		o.canvasOptions = append(o.canvasOptions, opts...)
	}
}

func New(cfg *config.Config, kv kvstore.Store, opts ...Option) *Client {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.transport == nil {
		o.transport = api.NewHTTPTransport(cfg)
	}

	c := &Client{
		transport: o.transport,
		kv:        kv,
		session:   auth.NewSession(),
	}
	c.coordinator = auth.NewCoordinator(c.transport, c.refresh, c.denied)
	c.identities = identity.NewResolver(c.lookupUsername)
	c.canvas = canvas.NewReconciler(c, o.canvasOptions...)
	c.palette = palette.Open(kv)
	c.restoreSession()
	return c
}

func (c *Client) Session() *auth.Session {
	return c.session
}

func (c *Client) Canvas() *canvas.Reconciler {
	return c.canvas
}

func (c *Client) Identities() *identity.Resolver {
	return c.identities
}

func (c *Client) Palette() *palette.Store {
	return c.palette
}

// call executes req through the refresh coordinator and decodes a successful body into out when it is not nil.
func (c *Client) call(ctx context.Context, req *api.Request, fallback string, out any) error {
	resp, err := c.coordinator.Execute(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return api.ErrorFromResponse(resp, fallback)
	}
	if out != nil {
		return resp.Decode(out)
	}
	return nil
}

func (c *Client) Register(ctx context.Context, email, username, password string) (*api.RegisterResult, error) {
	out := &api.RegisterResult{}
	err := c.call(ctx, &api.Request{
		Method:    http.MethodPost,
		Path:      "auth/register",
		Body:      api.RegisterArgs{Email: email, Username: username, Password: password},
		NoRefresh: true,
	}, "Registration failed", out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Verify(ctx context.Context, email, code string) error {
	return c.call(ctx, &api.Request{
		Method:    http.MethodPost,
		Path:      "auth/verify",
		Body:      api.VerifyArgs{Email: email, Code: code},
		NoRefresh: true,
	}, "Verification failed", nil)
}

func (c *Client) Login(ctx context.Context, email, password string) (*api.AuthUser, error) {
	out := &api.LoginResult{}
	err := c.call(ctx, &api.Request{
		Method:    http.MethodPost,
		Path:      "auth/login",
		Body:      api.LoginArgs{Email: email, Password: password},
		NoRefresh: true,
	}, "Login failed", out)
	if err != nil {
		return nil, err
	}
	c.session.Start(out.User, out.Token)
	c.transport.SetToken(out.Token.AccessToken)
	if err := kvstore.SetJSON(c.kv, kvstore.KeyLastEmail, out.User.Email); err != nil {
		slog.Error("failed to save last email", "err", err)
	}
	c.saveSession()
	slog.Info("logged in", "user", out.User.UserID, "username", out.User.Username)
	return &out.User, nil
}

// Logout ends the session locally even when the server rejects the call. An authorization failure here never
// starts a refresh.
func (c *Client) Logout(ctx context.Context) error {
	err := c.call(ctx, &api.Request{Method: http.MethodPost, Path: "auth/logout", NoRefresh: true}, "Logout failed", nil)
	c.endSession()
	if api.IsKind(err, api.AuthorizationDenied) {
		return nil
	}
	return err
}

// CurrentUser asks the server who the session belongs to. It returns nil without error when not authenticated.
func (c *Client) CurrentUser(ctx context.Context) (*api.AuthUser, error) {
	out := &api.AuthUser{}
	err := c.call(ctx, &api.Request{Method: http.MethodGet, Path: "auth/me"}, "Failed to fetch user", out)
	if api.IsKind(err, api.AuthorizationDenied) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return out, nil
}

// UserByID fetches the public profile name of a user.
func (c *Client) UserByID(ctx context.Context, userID string) (string, error) {
	out := &api.UserResult{}
	if err := c.call(ctx, &api.Request{
		Method: http.MethodGet,
		Path:   "auth/user/" + url.PathEscape(userID),
	}, "Failed to fetch user", out); err != nil {
		return "", err
	}
	return out.Username, nil
}

func (c *Client) lookupUsername(ctx context.Context, userID string) (string, error) {
	return c.UserByID(ctx, userID)
}

// ResolveUsername is shorthand for the identity resolver.
func (c *Client) ResolveUsername(ctx context.Context, userID string) (string, bool) {
	return c.identities.ResolveUsername(ctx, userID)
}

func (c *Client) FetchCanvas(ctx context.Context) (*api.CanvasState, error) {
	out := &api.CanvasState{}
	if err := c.call(ctx, &api.Request{Method: http.MethodGet, Path: "canvas"}, "Failed to fetch canvas", out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PlacePixel(ctx context.Context, args api.PlacePixelArgs) (*api.PixelData, error) {
	out := &api.PixelData{}
	if err := c.call(ctx, &api.Request{Method: http.MethodPost, Path: "canvas", Body: args}, "Failed to place pixel", out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) OverwriteCanvas(ctx context.Context, pngData []byte) (*api.OverwriteResult, error) {
	out := &api.OverwriteResult{}
	if err := c.call(ctx, &api.Request{
		Method:      http.MethodPost,
		Path:        "canvas/overwrite",
		RawBody:     pngData,
		ContentType: "image/png",
	}, "Failed to overwrite canvas", out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListSnapshots(ctx context.Context, limit, offset int) (*api.SnapshotList, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	out := &api.SnapshotList{}
	if err := c.call(ctx, &api.Request{Method: http.MethodGet, Path: "canvas/snapshots", Query: query}, "Failed to list snapshots", out); err != nil {
		return nil, err
	}
	return out, nil
}

// DownloadSnapshot writes the PNG image of a snapshot to w. A missing snapshot is reported as false.
func (c *Client) DownloadSnapshot(ctx context.Context, snapshotID string, w io.Writer) (bool, error) {
	resp, err := c.coordinator.Execute(ctx, &api.Request{
		Method: http.MethodGet,
		Path:   "canvas/snapshots/" + url.PathEscape(snapshotID) + "/download",
	})
	if err != nil {
		return false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	} else if !resp.OK() {
		return false, api.ErrorFromResponse(resp, "Failed to download snapshot")
	}
	if _, err := w.Write(resp.Body); err != nil {
		return false, fmt.Errorf("failed to write snapshot: %w", err)
	}
	return true, nil
}

// Watch loads the canvas and follows live updates until ctx is done.
func (c *Client) Watch(ctx context.Context) error {
	return c.canvas.Watch(ctx, c.transport.Dial)
}
