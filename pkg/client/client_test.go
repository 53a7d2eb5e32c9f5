package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/pixelcanvas/pkg/api"
	"github.com/astromechza/pixelcanvas/pkg/apitest"
	"github.com/astromechza/pixelcanvas/pkg/auth"
	"github.com/astromechza/pixelcanvas/pkg/canvas"
	"github.com/astromechza/pixelcanvas/pkg/config"
	"github.com/astromechza/pixelcanvas/pkg/kvstore"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "correct horse"
)

type fixture struct {
	server *apitest.Server
	cfg    *config.Config
	kv     *kvstore.Memory
}

func newFixture(t *testing.T, opts ...apitest.Option) *fixture {
	srv := apitest.NewServer(append([]apitest.Option{apitest.WithCanvasSize(8, 8)}, opts...)...)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	cfg, err := config.New(hs.URL, ":memory:")
	assert.Equal(t, err, nil)
	return &fixture{server: srv, cfg: cfg, kv: kvstore.NewMemory()}
}

func (f *fixture) client() *Client {
	return New(f.cfg, f.kv, WithCanvasOptions(canvas.WithReconnectInterval(10*time.Millisecond)))
}

func (f *fixture) loggedIn(t *testing.T) (*Client, api.AuthUser) {
	u := f.server.AddUser(testEmail, "ada", testPassword)
	c := f.client()
	got, err := c.Login(context.Background(), testEmail, testPassword)
	assert.Equal(t, err, nil)
	assert.Equal(t, *got, u)
	return c, u
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLogin_validationMessage(t *testing.T) {
	f := newFixture(t)
	_, err := f.client().Login(context.Background(), "not-an-email", testPassword)
	var apiErr *api.Error
	assert.Equal(t, errors.As(err, &apiErr), true)
	assert.Equal(t, apiErr.Kind, api.ValidationFailed)
	assert.Equal(t, apiErr.StatusCode, http.StatusUnprocessableEntity)
	assert.Equal(t, apiErr.Message, "email invalid")
}

func TestLogin_badCredentials(t *testing.T) {
	f := newFixture(t)
	f.server.AddUser(testEmail, "ada", testPassword)
	c := f.client()
	_, err := c.Login(context.Background(), testEmail, "wrong password")
	assert.Equal(t, api.IsKind(err, api.AuthorizationDenied), true)
	assert.Equal(t, c.Session().Authenticated(), false)
	assert.Equal(t, f.server.RefreshCalls(), int64(0))
}

func TestRegisterAndVerify(t *testing.T) {
	f := newFixture(t)
	c := f.client()
	ctx := context.Background()

	res, err := c.Register(ctx, testEmail, "ada", testPassword)
	assert.Equal(t, err, nil)
	assert.Equal(t, res.RequiresVerification, true)

	_, err = c.Register(ctx, testEmail, "ada", testPassword)
	assert.Equal(t, api.IsKind(err, api.ValidationFailed), true)

	_, err = c.Login(ctx, testEmail, testPassword)
	assert.Equal(t, api.IsKind(err, api.AuthorizationDenied), true)

	err = c.Verify(ctx, testEmail, "000000")
	assert.Equal(t, api.IsKind(err, api.ValidationFailed), true)
	assert.Equal(t, c.Verify(ctx, testEmail, apitest.DefaultVerificationCode), nil)

	u, err := c.Login(ctx, testEmail, testPassword)
	assert.Equal(t, err, nil)
	assert.Equal(t, u.UserID, res.UserID)
	assert.Equal(t, u.EmailVerified, true)
}

func TestLogin_sessionSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	_, u := f.loggedIn(t)

	c := f.client()
	assert.Equal(t, c.Session().Authenticated(), true)
	assert.Equal(t, c.LastEmail(), testEmail)
	me, err := c.CurrentUser(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, *me, u)
}

func TestRestore_expiredSessionWithoutRefreshTokenEnds(t *testing.T) {
	f := newFixture(t, apitest.WithTokenTTL(-time.Minute))
	c, _ := f.loggedIn(t)
	assert.Equal(t, c.Session().Expired(time.Now()), true)

	// a refresh token keeps an expired session alive across a restart
	assert.Equal(t, f.client().Session().Authenticated(), true)

	var state auth.SessionState
	ok, err := kvstore.GetJSON(f.kv, kvstore.KeySession, &state)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	state.RefreshToken = ""
	assert.Equal(t, kvstore.SetJSON(f.kv, kvstore.KeySession, state), nil)

	assert.Equal(t, f.client().Session().Authenticated(), false)
	_, ok, err = f.kv.Get(kvstore.KeySession)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)
}

func TestCurrentUser_anonymous(t *testing.T) {
	f := newFixture(t)
	me, err := f.client().CurrentUser(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, me == nil, true)
	assert.Equal(t, f.server.RefreshCalls(), int64(0))
}

func TestExpiredToken_concurrentRequestsRefreshOnce(t *testing.T) {
	for _, n := range []int{2, 10} {
		n := n
		t.Run(fmt.Sprintf("%d requests", n), func(t *testing.T) {
			f := newFixture(t, apitest.WithRefreshDelay(50*time.Millisecond))
			c, u := f.loggedIn(t)
			before := c.Session().AccessToken()
			f.server.ExpireTokens()

			eg, ctx := errgroup.WithContext(context.Background())
			for i := 0; i < n; i++ {
				eg.Go(func() error {
					me, err := c.CurrentUser(ctx)
					if err != nil {
						return err
					} else if me == nil || *me != u {
						return errors.New("unexpected user after refresh")
					}
					return nil
				})
			}
			assert.Equal(t, eg.Wait(), nil)
			assert.Equal(t, f.server.RefreshCalls(), int64(1))
			assert.Equal(t, c.Session().Authenticated(), true)
			assert.NotEqual(t, c.Session().AccessToken(), before)
		})
	}
}

func TestExpiredToken_failedRefreshSignsOut(t *testing.T) {
	f := newFixture(t)
	c, _ := f.loggedIn(t)
	f.server.RevokeRefreshTokens()
	f.server.ExpireTokens()

	me, err := c.CurrentUser(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, me == nil, true)
	assert.Equal(t, f.server.RefreshCalls(), int64(1))
	assert.Equal(t, c.Session().Authenticated(), false)
	_, ok, err := f.kv.Get(kvstore.KeySession)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)
}

func TestLogout_neverRefreshes(t *testing.T) {
	f := newFixture(t)
	c, _ := f.loggedIn(t)
	f.server.ExpireTokens()

	assert.Equal(t, c.Logout(context.Background()), nil)
	assert.Equal(t, f.server.RefreshCalls(), int64(0))
	assert.Equal(t, c.Session().Authenticated(), false)
	assert.Equal(t, f.client().Session().Authenticated(), false)
}

func TestResolveUsername(t *testing.T) {
	f := newFixture(t)
	c, u := f.loggedIn(t)
	ctx := context.Background()

	name, ok := c.ResolveUsername(ctx, u.UserID)
	assert.Equal(t, ok, true)
	assert.Equal(t, name, "ada")

	name, ok = c.ResolveUsername(ctx, "00000000-0000-0000-0000-000000000000")
	assert.Equal(t, ok, false)
	assert.Equal(t, name, "")
	assert.Equal(t, c.Identities().Len(), 1)
}

func TestWatch_placeThenRemoteEvent(t *testing.T) {
	f := newFixture(t)
	c, u := f.loggedIn(t)
	other := f.server.AddUser("grace@example.com", "grace", testPassword)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()
	waitFor(t, func() bool {
		_, _, ok := c.Canvas().Dimensions()
		return ok && f.server.Connections() == 1
	})

	ev, err := c.Canvas().PlacePixel(ctx, 3, 4, "#FF0000")
	assert.Equal(t, err, nil)
	assert.Equal(t, ev.PlacedBy, u.UserID)
	cell, ok := c.Canvas().Cell(3, 4)
	assert.Equal(t, ok, true)
	assert.Equal(t, cell.Color, "#FF0000")

	f.server.SetPixel(3, 4, "#00FF00", other.UserID)
	waitFor(t, func() bool {
		cell, _ := c.Canvas().Cell(3, 4)
		return cell.Color == "#00FF00"
	})
	cell, _ = c.Canvas().Cell(3, 4)
	name, _ := c.ResolveUsername(ctx, cell.PlacedBy)
	assert.Equal(t, name, "grace")

	cancel()
	assert.Equal(t, <-done, context.Canceled)
}

func TestWatch_reconnectsAfterDrop(t *testing.T) {
	f := newFixture(t)
	c, _ := f.loggedIn(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()
	waitFor(t, func() bool { return f.server.Connections() == 1 })

	f.server.DropConnections()
	f.server.SetPixel(1, 1, "#123456", "offline")
	waitFor(t, func() bool {
		cell, ok := c.Canvas().Cell(1, 1)
		return ok && cell.Color == "#123456"
	})

	cancel()
	assert.Equal(t, <-done, context.Canceled)
}

func testImage() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.NRGBA{R: 0xff, A: 0xff})
	img.Set(1, 1, color.NRGBA{G: 0xff, A: 0xff})
	return img
}

func TestImportImage_andSnapshots(t *testing.T) {
	f := newFixture(t)
	c, _ := f.loggedIn(t)
	ctx := context.Background()

	var buff bytes.Buffer
	assert.Equal(t, png.Encode(&buff, testImage()), nil)
	n, err := c.ImportImage(ctx, &buff)
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 2)
	cell, ok := c.Canvas().Cell(0, 0)
	assert.Equal(t, ok, true)
	assert.Equal(t, cell.Color, "#FF0000")
	_, ok = c.Canvas().Cell(1, 0)
	assert.Equal(t, ok, false)

	_, err = c.ImportImage(ctx, bytes.NewReader([]byte("not a png")))
	assert.Equal(t, api.IsKind(err, api.ValidationFailed), true)

	first := f.server.TakeSnapshot()
	second := f.server.TakeSnapshot()
	list, err := c.ListSnapshots(ctx, 1, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, list.Total, 2)
	assert.Equal(t, len(list.Snapshots), 1)
	assert.Equal(t, list.Snapshots[0].SnapshotID, second)

	var out bytes.Buffer
	found, err := c.DownloadSnapshot(ctx, first, &out)
	assert.Equal(t, err, nil)
	assert.Equal(t, found, true)
	img, err := png.Decode(&out)
	assert.Equal(t, err, nil)
	assert.Equal(t, canvas.FormatColor(img.At(1, 1)), "#00FF00")

	found, err = c.DownloadSnapshot(ctx, "missing", &out)
	assert.Equal(t, err, nil)
	assert.Equal(t, found, false)
}

func TestExportImage(t *testing.T) {
	f := newFixture(t)
	c, _ := f.loggedIn(t)
	ctx := context.Background()

	assert.NotEqual(t, c.ExportImage(new(bytes.Buffer)), nil)
	_, err := c.Canvas().PlacePixel(ctx, 7, 7, "#0000FF")
	assert.Equal(t, err, nil)
	_, err = c.Canvas().LoadSnapshot(ctx)
	assert.Equal(t, err, nil)

	var out bytes.Buffer
	assert.Equal(t, c.ExportImage(&out), nil)
	img, err := png.Decode(&out)
	assert.Equal(t, err, nil)
	assert.Equal(t, img.Bounds().Dx(), 8)
	assert.Equal(t, canvas.FormatColor(img.At(7, 7)), "#0000FF")
}
