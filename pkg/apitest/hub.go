package apitest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/astromechza/pixelcanvas/pkg/api"
)

// hub fans canvas events out to every connected socket. Writes are serialised under the hub lock.
type hub struct {
	lock  sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newHub() *hub {
	return &hub{conns: make(map[*websocket.Conn]struct{})}
}

func (h *hub) len() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.conns)
}

func (h *hub) broadcast(intent string, payload any) {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to encode payload", "err", err)
		return
	}
	raw, err := json.Marshal(api.SocketMessage{Intent: intent, Payload: rawPayload})
	if err != nil {
		slog.Error("failed to encode message", "err", err)
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	for conn := range h.conns {
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			slog.Warn("dropping socket after failed write", "err", err)
			_ = conn.Close()
			delete(h.conns, conn)
		}
	}
}

// DropConnections closes every open socket, as a server restart would.
func (s *Server) DropConnections() {
	s.hub.lock.Lock()
	defer s.hub.lock.Unlock()
	for conn := range s.hub.conns {
		_ = conn.Close()
		delete(s.hub.conns, conn)
	}
}

func (h *hub) serve(writer http.ResponseWriter, request *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	h.lock.Lock()
	h.conns[conn] = struct{}{}
	h.lock.Unlock()
	defer func() {
		h.lock.Lock()
		delete(h.conns, conn)
		h.lock.Unlock()
	}()

	// clients never send anything meaningful, reading only detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
