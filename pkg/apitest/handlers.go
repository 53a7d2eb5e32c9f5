package apitest

import (
	"bytes"
	"fmt"
	"image/png"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/pixelcanvas/pkg/api"
	"github.com/astromechza/pixelcanvas/pkg/canvas"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func pixelKey(x, y int) string {
	return fmt.Sprintf("%d_%d", x, y)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var args api.RegisterArgs
	if !readJSON(w, r, &args) {
		return
	}
	if !emailPattern.MatchString(args.Email) {
		writeFieldError(w, "email", "email invalid")
		return
	} else if strings.TrimSpace(args.Username) == "" {
		writeFieldError(w, "username", "username required")
		return
	} else if len(args.Password) < 8 {
		writeFieldError(w, "password", "password must be at least 8 characters")
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.users[args.Email]; ok {
		writeDetail(w, http.StatusConflict, "Email already registered")
		return
	}
	u := &user{
		AuthUser: api.AuthUser{UserID: uuid.NewString(), Email: args.Email, Username: args.Username},
		password: args.Password,
	}
	s.users[u.Email] = u
	s.usersByID[u.UserID] = u
	slog.Info("registered", "user", u.UserID, "email", u.Email)
	writeJSON(w, http.StatusCreated, api.RegisterResult{RequiresVerification: true, UserID: u.UserID})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	var args api.VerifyArgs
	if !readJSON(w, r, &args) {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	u, ok := s.users[args.Email]
	if !ok {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	} else if args.Code != s.code {
		writeDetail(w, http.StatusBadRequest, "Invalid verification code")
		return
	}
	u.EmailVerified = true
	writeJSON(w, http.StatusOK, map[string]string{"message": "Email verified"})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var args api.LoginArgs
	if !readJSON(w, r, &args) {
		return
	}
	if !emailPattern.MatchString(args.Email) {
		writeFieldError(w, "email", "email invalid")
		return
	}
	s.lock.Lock()
	u, ok := s.users[args.Email]
	s.lock.Unlock()
	if !ok || u.password != args.Password {
		writeDetail(w, http.StatusUnauthorized, "Invalid email or password")
		return
	} else if !u.EmailVerified {
		writeDetail(w, http.StatusForbidden, "Email not verified")
		return
	}

	token := s.issueToken(u)
	token.RefreshToken = ulid.Make().String()
	s.lock.Lock()
	s.refreshTokens[token.RefreshToken] = u.UserID
	s.lock.Unlock()
	writeJSON(w, http.StatusOK, api.LoginResult{User: u.AuthUser, Token: token})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)
	if s.refreshDelay > 0 {
		time.Sleep(s.refreshDelay)
	}
	var args api.RefreshArgs
	if !readJSON(w, r, &args) {
		return
	}
	s.lock.Lock()
	userID, ok := s.refreshTokens[args.RefreshToken]
	u := s.usersByID[userID]
	s.lock.Unlock()
	if !ok || u == nil || (args.Email != "" && args.Email != u.Email) {
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	token := s.issueToken(u)
	writeJSON(w, http.StatusOK, api.RefreshResult{AccessToken: token.AccessToken, ExpiresIn: token.ExpiresIn})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request, u *user) {
	s.lock.Lock()
	for token, id := range s.refreshTokens {
		if id == u.UserID {
			delete(s.refreshTokens, token)
		}
	}
	s.lock.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request, u *user) {
	s.lock.Lock()
	out := u.AuthUser
	s.lock.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) userByID(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	u, ok := s.usersByID[mux.Vars(r)["id"]]
	s.lock.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, api.UserResult{Username: u.Username})
}

func (s *Server) state() api.CanvasState {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := api.CanvasState{Width: s.width, Height: s.height, Pixels: make(map[string]api.PixelData, len(s.pixels))}
	for k, v := range s.pixels {
		out.Pixels[k] = v
	}
	return out
}

func (s *Server) getCanvas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

// nextTimestamp hands out strictly increasing millisecond timestamps. Callers hold s.lock.
func (s *Server) nextTimestamp() int64 {
	ts := time.Now().UnixMilli()
	if ts <= s.lastTimestamp {
		ts = s.lastTimestamp + 1
	}
	s.lastTimestamp = ts
	return ts
}

// SetPixel writes a cell as userID and broadcasts it to every connected socket.
func (s *Server) SetPixel(x, y int, color, userID string) api.PixelData {
	s.lock.Lock()
	p := api.PixelData{X: x, Y: y, Color: strings.ToUpper(color), UserID: userID, Timestamp: s.nextTimestamp()}
	s.pixels[pixelKey(x, y)] = p
	s.lock.Unlock()
	s.hub.broadcast(api.IntentPixel, p)
	return p
}

func (s *Server) placePixel(w http.ResponseWriter, r *http.Request, u *user) {
	var args api.PlacePixelArgs
	if !readJSON(w, r, &args) {
		return
	}
	if args.X < 0 || args.Y < 0 || args.X >= s.width || args.Y >= s.height {
		writeDetail(w, http.StatusBadRequest, "Pixel out of bounds")
		return
	} else if !canvas.ValidColor(args.Color) {
		writeFieldError(w, "color", "color must be #RRGGBB")
		return
	}
	writeJSON(w, http.StatusOK, s.SetPixel(args.X, args.Y, args.Color, u.UserID))
}

func (s *Server) overwrite(w http.ResponseWriter, r *http.Request, u *user) {
	img, err := png.Decode(r.Body)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("invalid image: %v", err))
		return
	}
	b := img.Bounds()
	s.lock.Lock()
	ts := s.nextTimestamp()
	updated := 0
	for y := 0; y < s.height && y < b.Dy(); y++ {
		for x := 0; x < s.width && x < b.Dx(); x++ {
			c := img.At(b.Min.X+x, b.Min.Y+y)
			if _, _, _, a := c.RGBA(); a == 0 {
				continue
			}
			color := canvas.FormatColor(c)
			key := pixelKey(x, y)
			if existing, ok := s.pixels[key]; ok && existing.Color == color {
				continue
			}
			s.pixels[key] = api.PixelData{X: x, Y: y, Color: color, UserID: u.UserID, Timestamp: ts}
			updated++
		}
	}
	s.lock.Unlock()
	res := api.OverwriteResult{PixelsUpdated: updated, Timestamp: ts}
	s.hub.broadcast(api.IntentBulkOverwrite, res)
	writeJSON(w, http.StatusOK, res)
}

// TakeSnapshot records the current canvas and returns its id.
func (s *Server) TakeSnapshot() string {
	state := s.state()
	id := ulid.Make().String()
	s.lock.Lock()
	defer s.lock.Unlock()
	s.snapshots = append(s.snapshots, snapshot{
		Snapshot: api.Snapshot{
			SnapshotID:   id,
			ImageURL:     "/api/canvas/snapshots/" + id + "/download",
			ThumbnailURL: "/api/canvas/snapshots/" + id + "/download",
			Width:        state.Width,
			Height:       state.Height,
			CreatedAt:    time.Now().UTC(),
		},
		pixels: state.Pixels,
	})
	return id
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeFieldError(w, "limit", err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeFieldError(w, "offset", err.Error())
		return
	}
	s.lock.Lock()
	all := make([]api.Snapshot, 0, len(s.snapshots))
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		all = append(all, s.snapshots[i].Snapshot)
	}
	s.lock.Unlock()

	out := api.SnapshotList{Snapshots: []api.Snapshot{}, Total: len(all), Limit: limit, Offset: offset}
	if offset < len(all) {
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		out.Snapshots = all[offset:end]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) downloadSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.lock.Lock()
	var found *snapshot
	for i := range s.snapshots {
		if s.snapshots[i].SnapshotID == id {
			found = &s.snapshots[i]
			break
		}
	}
	s.lock.Unlock()
	if found == nil {
		writeDetail(w, http.StatusNotFound, "Snapshot not found")
		return
	}
	grid, err := canvas.GridFromState(&api.CanvasState{Width: found.Width, Height: found.Height, Pixels: found.pixels})
	if err != nil {
		slog.Error("failed to build snapshot grid", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	var buff bytes.Buffer
	if err := png.Encode(&buff, grid.Image()); err != nil {
		slog.Error("failed to encode snapshot", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := w.Write(buff.Bytes()); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}
