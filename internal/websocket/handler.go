package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chatrelay/internal/config"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Handler upgrades HTTP requests and pumps inbound frames into the relay
// core. One goroutine per connection reads frames, so events from a single
// connection reach the sink in arrival order; different connections are
// independent.
type Handler struct {
	registry *Registry
	sink     interfaces.EventSink
	cfg      *config.WebSocketConfig
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a WebSocket handler feeding the given event sink.
func NewHandler(registry *Registry, sink interfaces.EventSink, cfg *config.WebSocketConfig, log *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		sink:     sink,
		cfg:      cfg,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			// The relay is origin-agnostic, matching the permissive CORS
			// posture of the HTTP surface.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the request and starts the connection's read
// pump. The connection starts unauthenticated; everything else is in-band.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	wsConn := NewConnection(conn, h.cfg.BufferSize, h.cfg.WriteTimeout)
	if err := h.registry.Add(wsConn); err != nil {
		h.log.Error("connection registration failed", zap.Error(err))
		_ = wsConn.Close()
		return
	}

	h.log.Info("connection opened",
		zap.String("connection_id", wsConn.ID()),
		zap.String("remote_addr", conn.RemoteAddr().String()))

	go h.readPump(wsConn)
}

// readPump owns the read side of one connection: heartbeat bookkeeping,
// flood protection, envelope decoding, and the disconnect notice when the
// link drops for any reason.
func (h *Handler) readPump(conn *Connection) {
	defer func() {
		h.registry.Remove(conn.ID())
		h.sink.EnqueueDisconnect(conn)
		_ = conn.Close()
		h.log.Info("connection closed", zap.String("connection_id", conn.ID()))
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(h.cfg.WriteTimeout)
				if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	// Frame-level flood guard. This bounds how fast a socket may deliver
	// anything at all, garbage included; the 3-per-second message quota is
	// enforced separately by the router.
	limiter := rate.NewLimiter(rate.Limit(h.cfg.FloodRate), h.cfg.FloodBurst)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("read error",
					zap.String("connection_id", conn.ID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if !limiter.Allow() {
			h.log.Warn("flood limit exceeded, dropping connection",
				zap.String("connection_id", conn.ID()))
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			_ = conn.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "flood limit exceeded"),
				deadline)
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			// A frame that is not an envelope cannot be classified. Before
			// authentication that is protocol misuse like any other
			// non-join traffic; afterwards it is a recoverable validation
			// failure.
			if conn.State() != types.StateAuthenticated {
				return
			}
			if err := conn.WriteEvent(types.EventErrorMessage, types.ErrorMessage{Error: "invalid request"}); err != nil {
				h.log.Debug("error notice dropped",
					zap.String("connection_id", conn.ID()), zap.Error(err))
			}
			continue
		}

		h.sink.Enqueue(conn, env.Event, env.Data)
	}
}
