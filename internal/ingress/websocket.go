// Package ingress accepts telemetry over a WebSocket stream, the low-latency
// alternative to posting events one request at a time.
package ingress

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"parallelport/server/internal/auth"
	"parallelport/server/internal/logging"
	"parallelport/server/internal/registry"
	"parallelport/server/internal/telemetry"
)

const (
	writeWait     = 5 * time.Second
	maxFrameBytes = 4 << 10
	readDeadline  = telemetry.SessionTimeout + 5*time.Second
)

// frame is one inbound WebSocket message: a telemetry event plus its digest.
type frame struct {
	telemetry.Incoming
	Digest string `json:"digest"`
}

// ack is the per-event reply mirrored back to the client.
type ack struct {
	Accepted bool `json:"accepted"`
	Critical bool `json:"critical,omitempty"`
	Closed   bool `json:"closed,omitempty"`
}

// SessionRegistry is the live-session surface consumed by the ingress.
type SessionRegistry interface {
	Lookup(gameSessionID string) (*telemetry.Session, bool)
	HandleEvent(gameSessionID string, in telemetry.Incoming) (telemetry.Decision, error)
}

// Handler upgrades telemetry connections and pumps events into the registry.
type Handler struct {
	registry SessionRegistry
	verifier *auth.EventVerifier
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

// NewHandler wires the ingress to the registry and digest verifier.
func NewHandler(reg SessionRegistry, verifier *auth.EventVerifier, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.L()
	}
	return &Handler{
		registry: reg,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP validates the session credentials, upgrades the connection, and
// runs the read loop until the session closes or the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get("X-Session-Token"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	gameSessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	if token == "" || gameSessionID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	session, ok := h.registry.Lookup(gameSessionID)
	if !ok || session.UserToken != token {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			logging.String("game_session_id", gameSessionID), logging.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	connLogger := h.logger.With(
		logging.String("game_session_id", gameSessionID),
		logging.String("user_id", session.UserID))
	connLogger.Info("telemetry stream opened")
	h.readLoop(conn, gameSessionID, token, connLogger)
	connLogger.Info("telemetry stream closed")
}

func (h *Handler) readLoop(conn *websocket.Conn, gameSessionID, token string, logger *logging.Logger) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		var msg frame
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("telemetry stream read failed", logging.Error(err))
			}
			return
		}

		var timestamp int64
		if msg.Timestamp != nil {
			timestamp = *msg.Timestamp
		}
		if err := h.verifier.Verify(gameSessionID, msg.Nonce, timestamp, token, msg.Digest); err != nil {
			logger.Warn("telemetry digest rejected on stream")
			h.writeAck(conn, ack{Closed: true})
			return
		}

		decision, err := h.registry.HandleEvent(gameSessionID, msg.Incoming)
		if errors.Is(err, registry.ErrUnknownSession) {
			h.writeAck(conn, ack{Closed: true})
			return
		}
		reply := ack{Accepted: decision.Accepted, Critical: decision.Critical}
		if decision.Critical {
			reply.Closed = true
		}
		h.writeAck(conn, reply)
		if reply.Closed {
			return
		}
	}
}

func (h *Handler) writeAck(conn *websocket.Conn, reply ack) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(reply); err != nil {
		h.logger.Debug("telemetry ack write failed", logging.Error(err))
	}
}
