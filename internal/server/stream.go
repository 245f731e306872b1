package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FocuswithJustin/modhost/core/configdoc"
	apperrors "github.com/FocuswithJustin/modhost/core/errors"
	"github.com/FocuswithJustin/modhost/internal/logging"
	"github.com/FocuswithJustin/modhost/internal/modconfig"
)

// StreamPath is where configuration streams are served.
const StreamPath = "/__modhost__/config/stream"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	// Clients only send control frames.
	maxClientMessage = 512
)

// ConfigMessage is one snapshot as sent to stream clients.
type ConfigMessage struct {
	ModuleID string             `json:"moduleId"`
	Version  uint64             `json:"version"`
	Config   configdoc.Document `json:"config"`
}

// ConfigStream pushes a module's configuration to websocket clients: the
// current snapshot on connect, then every published version. Only the
// module the server was opened for can be streamed.
type ConfigStream struct {
	Store    *modconfig.Store
	ModuleID string
	// AllowedOrigins lists hosts (as in the Origin header) that may connect.
	// Same-host origins are always accepted.
	AllowedOrigins []string

	upgrader websocket.Upgrader
}

// NewConfigStream creates a stream handler for moduleID's configuration.
func NewConfigStream(store *modconfig.Store, moduleID string, allowedOrigins ...string) *ConfigStream {
	s := &ConfigStream{Store: store, ModuleID: moduleID, AllowedOrigins: allowedOrigins}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *ConfigStream) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	for _, allowed := range s.AllowedOrigins {
		if allowed == "*" || allowed == u.Host || allowed == origin {
			return true
		}
	}
	logging.SecurityEvent("websocket_origin_rejected", "config_stream", "origin", origin)
	return false
}

// ServeHTTP implements http.Handler.
func (s *ConfigStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("module")
	if id == "" {
		http.Error(w, "module is required", http.StatusBadRequest)
		return
	}
	if s.ModuleID == "" || id != s.ModuleID {
		logging.SecurityEvent("foreign_module_stream", "config_stream", "requested", id, "served", s.ModuleID)
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	current, err := s.Store.Current(id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, apperrors.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := s.Store.Subscribe(ctx, id)
	if err != nil {
		logging.Error("config stream subscribe failed", "module_id", id, "error", err)
		return
	}
	logging.ConfigEvent("stream_opened", id, current.Version)

	go s.readPump(conn, cancel)
	s.writePump(ctx, conn, current, updates)
	logging.ConfigEvent("stream_closed", id, current.Version)
}

// readPump discards client frames and cancels the stream when the peer goes
// away.
func (s *ConfigStream) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxClientMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("config stream closed unexpectedly", "error", err)
			}
			return
		}
	}
}

func (s *ConfigStream) writePump(ctx context.Context, conn *websocket.Conn, first modconfig.Snapshot, updates <-chan modconfig.Snapshot) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err := send(conn, first); err != nil {
		return
	}
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := send(conn, snap); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func send(conn *websocket.Conn, snap modconfig.Snapshot) error {
	data, err := json.Marshal(ConfigMessage{ModuleID: snap.ModuleID, Version: snap.Version, Config: snap.Doc})
	if err != nil {
		logging.Error("failed to marshal config message", "module_id", snap.ModuleID, "error", err)
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
