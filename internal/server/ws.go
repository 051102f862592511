package server

import (
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"

	"github.com/streamcash/server/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is enforced by the CORS middleware on the REST
	// surface; overlay pages legitimately connect from OBS browser sources
	// with arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient adapts a gorilla connection to the registry handle contract.
// Gorilla permits at most one concurrent writer, so writes are serialized here
// rather than pushing that burden onto the registry.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsClient) Close() error {
	return c.conn.Close()
}

// handleOverlaySocket upgrades the request and registers the connection as an
// alert subscriber for the streamer. The read loop discards inbound frames;
// the overlay protocol is push-only.
func (s *Server) handleOverlaySocket(w http.ResponseWriter, r *http.Request) {
	streamerID, err := strconv.ParseInt(chi.URLParam(r, "streamerID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid streamer id")
		return
	}

	if _, err := s.store.GetStreamer(streamerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "streamer not found")
			return
		}
		s.log.Error("load streamer", "streamer_id", streamerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "streamer_id", streamerID, "error", err)
		return
	}

	client := &wsClient{conn: conn}
	s.registry.Connect(streamerID, client)

	defer func() {
		s.registry.Disconnect(streamerID, client)
		conn.Close()
		s.log.Info("overlay disconnected", "streamer_id", streamerID)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
