package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/astromechza/pixelcanvas/pkg/api"
	"github.com/astromechza/pixelcanvas/pkg/canvas"
	"github.com/astromechza/pixelcanvas/pkg/client"
	"github.com/astromechza/pixelcanvas/pkg/config"
	"github.com/astromechza/pixelcanvas/pkg/kvstore"
	"github.com/astromechza/pixelcanvas/pkg/palette"
)

const version = "0.1.0"

const usage = `Pixel canvas client.

The api base url defaults to $PIXEL_CANVAS_API_BASE or http://localhost:8000.

Usage:
    pixelctl register [options] <email> <username> --password=<password>
    pixelctl verify [options] <email> <code>
    pixelctl login [options] [<email>] --password=<password>
    pixelctl logout [options]
    pixelctl whoami [options]
    pixelctl watch [options]
    pixelctl place [options] <x> <y> [<color>]
    pixelctl who [options] <x> <y>
    pixelctl palette show [options]
    pixelctl palette select [options] (fixed|custom) <index>
    pixelctl palette pick [options] <color>
    pixelctl palette pipette [options] <x> <y>
    pixelctl snapshots [options] [--limit=<limit>] [--offset=<offset>]
    pixelctl download [options] <snapshot> <file>
    pixelctl import [options] <file>
    pixelctl export [options] <file>

Options:
    -h --help                Show this screen.
    --version                Show version.
    --env=<file>             Env file to load [default: .env].
    --db=<path>              Local state database, overrides $PIXEL_CANVAS_DB.
    --api=<url>              Api base url, overrides $PIXEL_CANVAS_API_BASE.
    --password=<password>    Account password.
    --limit=<limit>          Page size [default: 20].
    --offset=<offset>        Page offset [default: 0].
    -v --verbose             Debug logging.`

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose, _ := opts.Bool("--verbose"); verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	kv, err := kvstore.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer kv.Close()

	c := client.New(cfg, kv)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, cmd := range []struct {
		name string
		run  func(ctx context.Context, c *client.Client, opts docopt.Opts) error
	}{
		{"register", register},
		{"verify", verify},
		{"login", login},
		{"logout", logout},
		{"whoami", whoami},
		{"watch", watch},
		{"place", place},
		{"who", who},
		{"palette", paletteCmd},
		{"snapshots", snapshots},
		{"download", download},
		{"import", importImage},
		{"export", exportImage},
	} {
		if ok, _ := opts.Bool(cmd.name); ok {
			return cmd.run(ctx, c, opts)
		}
	}
	return fmt.Errorf("unknown command")
}

func loadConfig(opts docopt.Opts) (*config.Config, error) {
	envFile, _ := opts.String("--env")
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	baseURL := cfg.BaseURL.String()
	if v, _ := opts.String("--api"); v != "" {
		baseURL = v
	}
	dbPath := cfg.DatabasePath
	if v, _ := opts.String("--db"); v != "" {
		dbPath = v
	}
	return config.New(baseURL, dbPath)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func coords(opts docopt.Opts) (int, int, error) {
	x, err := opts.Int("<x>")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse x: %w", err)
	}
	y, err := opts.Int("<y>")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse y: %w", err)
	}
	return x, y, nil
}

func register(ctx context.Context, c *client.Client, opts docopt.Opts) error {
	email, _ := opts.String("<email>")
	username, _ := opts.String("<username>")
	password, _ := opts.String("--password")
	res, err := c.Register(ctx, email, username, password)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func verify(ctx context.Context, c *client.Client, opts docopt.Opts) error {
	email, _ := opts.String("<email>")
	code, _ := opts.String("<code>")
	if err := c.Verify(ctx, email, code); err != nil {
		return err
	}
	slog.Info("email verified", "email", email)
	return nil
}

func login(ctx context.Context, c *client.Client, opts docopt.Opts) error {
	email, _ := opts.String("<email>")
	if email == "" {
		if email = c.LastEmail(); email == "" {
			return fmt.Errorf("no email given and none remembered")
		}
	}
	password, _ := opts.String("--password")
	u, err := c.Login(ctx, email, password)
	if err != nil {
		return err
	}
	return printJSON(u)
}

func logout(ctx context.Context, c *client.Client, _ docopt.Opts) error {
	return c.Logout(ctx)
}

func whoami(ctx context.Context, c *client.Client, _ docopt.Opts) error {
	u, err := c.CurrentUser(ctx)
	if err != nil {
		return err
	} else if u == nil {
		return fmt.Errorf("not logged in")
	}
	// the call above may have refreshed the token
	if state := c.Session().State(); !state.ExpiresAt.IsZero() {
		slog.Info("access token", "expires_at", state.ExpiresAt.Local().Format(time.RFC3339), "expires_in", time.Until(state.ExpiresAt).Round(time.Second))
	}
	return printJSON(u)
}

func watch(ctx context.Context, c *client.Client, _ docopt.Opts) error {
	events := make(chan canvas.PixelEvent, 64)
	c.Canvas().OnApply(func(ev canvas.PixelEvent) {
		select {
		case events <- ev:
		default:
			slog.Warn("event printer falling behind, skipping", "x", ev.X, "y", ev.Y)
		}
	})

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case ev := <-events:
				name, _ := c.ResolveUsername(ctx, ev.PlacedBy)
				fmt.Printf("%d,%d %s %s\n", ev.X, ev.Y, ev.Color, name)
			case <-ctx.Done():
				return
			}
		}
	}()

	err := c.Watch(ctx)
	wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func place(ctx context.Context, c *client.Client, opts docopt.Opts) error {
	x, y, err := coords(opts)
	if err != nil {
		return err
	}
	color, _ := opts.String("<color>")
	if color == "" {
		color = c.Palette().ActiveColor()
	} else if color, err = palette.NormalizeColor(color); err != nil {
		return err
	}
	if _, err := c.Canvas().LoadSnapshot(ctx); err != nil {
		return err
	}
	ev, err := c.Canvas().PlacePixel(ctx, x, y, color)
	if err != nil {
		return err
	}
	return printJSON(ev)
}

// cellAt loads a fresh snapshot and returns one of its cells.
func cellAt(ctx context.Context, c *client.Client, opts docopt.Opts) (canvas.Cell, bool, error) {
	x, y, err := coords(opts)
	if err != nil {
		return canvas.Cell{}, false, err
	}
	grid, err := c.Canvas().LoadSnapshot(ctx)
	if err != nil {
		return canvas.Cell{}, false, err
	} else if !grid.InBounds(x, y) {
		return canvas.Cell{}, false, api.NewValidationError("%d,%d is outside the %dx%d canvas", x, y, grid.Width(), grid.Height())
	}
	cell, ok := grid.Cell(x, y)
	return cell, ok, nil
}

func who(ctx context.Context, c *client.Client, opts docopt.Opts) error {
	cell, ok, err := cellAt(ctx, c, opts)
	if err != nil {
		return err
	} else if !ok {
		fmt.Println("empty")
		return nil
	}
	name, found := c.ResolveUsername(ctx, cell.PlacedBy)
	if !found {
		name = "unknown"
	}
	fmt.Printf("%s placed by %s\n", cell.Color, name)
	return nil
}

func paletteCmd(ctx context.Context, c *client.Client, opts docopt.Opts) error {
	p := c.Palette()
	if ok, _ := opts.Bool("select"); ok {
		index, err := opts.Int("<index>")
		if err != nil {
			return fmt.Errorf("failed to parse index: %w", err)
		}
		kind := palette.Fixed
		if custom, _ := opts.Bool("custom"); custom {
			kind = palette.Custom
		}
		if index < 0 || index >= palette.SlotCount {
			return api.NewValidationError("slot index must be between 0 and %d", palette.SlotCount-1)
		}
		p.SelectSlot(kind, index)
	} else if ok, _ := opts.Bool("pick"); ok {
		color, _ := opts.String("<color>")
		if err := p.SetFromPicker(color); err != nil {
			return err
		}
	} else if ok, _ := opts.Bool("pipette"); ok {
		cell, found, err := cellAt(ctx, c, opts)
		if err != nil {
			return err
		} else if !found {
			return fmt.Errorf("cell is empty")
		}
		if err := p.PickFromCanvas(cell.Color); err != nil {
			return err
		}
	}
	return printJSON(p)
}

func snapshots(ctx context.Context, c *client.Client, opts docopt.Opts) error {
	limit, err := opts.Int("--limit")
	if err != nil {
		return fmt.Errorf("failed to parse limit: %w", err)
	}
	offset, err := opts.Int("--offset")
	if err != nil {
		return fmt.Errorf("failed to parse offset: %w", err)
	}
	list, err := c.ListSnapshots(ctx, limit, offset)
	if err != nil {
		return err
	}
	for _, s := range list.Snapshots {
		fmt.Printf("%s\t%dx%d\t%s\n", s.SnapshotID, s.Width, s.Height, s.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	slog.Info("listed snapshots", "shown", len(list.Snapshots), "total", list.Total, "offset", list.Offset)
	return nil
}

func download(ctx context.Context, c *client.Client, opts docopt.Opts) (err error) {
	id, _ := opts.String("<snapshot>")
	path, _ := opts.String("<file>")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()
	found, err := c.DownloadSnapshot(ctx, id, f)
	if err != nil {
		return err
	} else if !found {
		_ = os.Remove(path)
		return fmt.Errorf("snapshot %s not found", id)
	}
	slog.Info("downloaded", "snapshot", id, "path", path)
	return nil
}

func importImage(ctx context.Context, c *client.Client, opts docopt.Opts) error {
	path, _ := opts.String("<file>")
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := c.ImportImage(ctx, f)
	if err != nil {
		return err
	}
	slog.Info("imported", "path", path, "pixels_updated", n)
	return nil
}

func exportImage(ctx context.Context, c *client.Client, opts docopt.Opts) (err error) {
	path, _ := opts.String("<file>")
	if _, err := c.Canvas().LoadSnapshot(ctx); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()
	if err := c.ExportImage(f); err != nil {
		return err
	}
	slog.Info("exported", "path", path)
	return nil
}
