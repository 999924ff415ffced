package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"campushub/internal/engine"
	"campushub/pkg/interfaces"
	"campushub/pkg/types"
)

var upgrader = websocket.Upgrader{
	// Origin policy is enforced by the gateway in front of us.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// EventHandler is the engine surface the transport drives.
type EventHandler interface {
	Connect(s interfaces.Session) error
	HandleEvent(ctx context.Context, s interfaces.Session, name string, raw json.RawMessage) (engine.Outcome, error)
	Disconnect(s interfaces.Session)
}

// Handler upgrades HTTP requests and pumps frames between clients and the engine.
type Handler struct {
	events EventHandler
	opts   Options
	logger zerolog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(events EventHandler, opts Options, logger zerolog.Logger) *Handler {
	return &Handler{
		events: events,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

// HandleWebSocket upgrades the request and serves the connection until it closes.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	wsConn := NewConnection(conn, h.opts, h.logger)
	if err := h.events.Connect(wsConn); err != nil {
		h.logger.Error().Err(err).Msg("failed to track connection")
		_ = wsConn.Close()
		return
	}
	h.logger.Debug().Str("session_id", wsConn.ID()).Str("remote_addr", r.RemoteAddr).Msg("connection opened")

	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump and heartbeat for one client. Events
// are handled in arrival order on this goroutine.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.events.Disconnect(conn)
		_ = conn.Close()
		h.logger.Debug().Str("session_id", conn.ID()).Msg("connection closed")
	}()

	if h.opts.MaxMessageBytes > 0 {
		conn.conn.SetReadLimit(h.opts.MaxMessageBytes)
	}
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("session_id", conn.ID()).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			_ = conn.Send(engine.EventError, engine.ErrorPayload{
				Code:    types.ErrorCode(types.ErrMalformedPayload),
				Message: ErrMalformedEnvelope.Error(),
			})
			continue
		}

		// Rejections are already reported to the client by the engine.
		_, _ = h.events.HandleEvent(conn.ctx, conn, env.Event, env.Data)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}
