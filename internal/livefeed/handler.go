// ABOUTME: HTTP layer for the livefeed: websocket session streams and health probe
// ABOUTME: Replays unread history on connect, then streams newly recorded messages

package livefeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldtalk/bridge-gateway/internal/store"
)

// Replayer supplies the unread history replayed on (re)connect.
type Replayer interface {
	Resend(ctx context.Context, sessionID string) ([]*store.ChatRecord, error)
}

// ReadMarker flips a session's unread records when the viewer catches up.
type ReadMarker interface {
	MarkRead(ctx context.Context, sessionID string) ([]*store.ChatRecord, error)
}

// feedMessage is the wire form of one chat record pushed to a subscriber.
type feedMessage struct {
	Type       string    `json:"type"`
	ChatID     int64     `json:"chat_id"`
	SessionID  string    `json:"session_id"`
	MessageID  string    `json:"message_id"`
	Message    string    `json:"message"`
	SenderRole string    `json:"sender_role"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// clientCommand is what a connected viewer may send upstream.
type clientCommand struct {
	Action string `json:"action"`
}

// Server serves the websocket feed and the health probe.
type Server struct {
	hub      *Hub
	replay   Replayer
	reader   ReadMarker
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the livefeed HTTP server. Pass nil logger for default.
func NewServer(hub *Hub, replay Replayer, reader ReadMarker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:    hub,
		replay: replay,
		reader: reader,
		logger: logger.With("component", "livefeed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Officer clients connect from app webviews with varying origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes returns the livefeed mux: GET /ws and GET /health.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, subID := s.hub.Subscribe(ctx, sessionID)
	defer s.hub.Unsubscribe(sessionID, subID)

	s.logger.Info("feed connected", "session_id", sessionID, "sub_id", subID)

	// Replay what the viewer missed before streaming live records.
	recs, err := s.replay.Resend(ctx, sessionID)
	if err != nil {
		s.logger.Error("replay failed", "session_id", sessionID, "error", err)
		return
	}
	for _, rec := range recs {
		if err := conn.WriteJSON(toFeedMessage(rec)); err != nil {
			return
		}
	}

	go s.readLoop(ctx, cancel, conn, sessionID)

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(toFeedMessage(rec)); err != nil {
				s.logger.Debug("feed write failed, closing", "session_id", sessionID, "error", err)
				return
			}
		}
	}
}

// readLoop consumes viewer commands until the connection drops. A read
// error of any kind ends the subscription.
func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string) {
	defer cancel()
	for {
		var cmd clientCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		if cmd.Action == "mark_read" {
			if _, err := s.reader.MarkRead(ctx, sessionID); err != nil {
				s.logger.Error("mark read failed", "session_id", sessionID, "error", err)
			}
		}
	}
}

func toFeedMessage(rec *store.ChatRecord) feedMessage {
	return feedMessage{
		Type:       "record",
		ChatID:     rec.ID,
		SessionID:  rec.SessionID,
		MessageID:  rec.MessageID,
		Message:    rec.Message,
		SenderRole: rec.SenderRole,
		Status:     rec.Status,
		CreatedAt:  rec.CreatedAt,
	}
}
