// Package server exposes the websocket endpoint and the small HTTP
// surface around it.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gamerelay/internal/config"
	"gamerelay/internal/delivery"
	"gamerelay/internal/lifecycle"
	"gamerelay/internal/router"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The mobile client connects from app webviews and emulators;
		// origin enforcement happens at the edge.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler accepts websocket connections, runs the lifecycle handshake,
// and pumps inbound messages into the router.
type Handler struct {
	registry  *delivery.Registry
	lifecycle *lifecycle.Handler
	router    *router.Router
	ws        config.WebSocketConfig
	jwtSecret string
	log       zerolog.Logger
}

// NewHandler wires the websocket handler.
func NewHandler(registry *delivery.Registry, lc *lifecycle.Handler, rt *router.Router, ws config.WebSocketConfig, jwtSecret string, log zerolog.Logger) *Handler {
	return &Handler{
		registry:  registry,
		lifecycle: lc,
		router:    rt,
		ws:        ws,
		jwtSecret: jwtSecret,
		log:       log.With().Str("component", "server").Logger(),
	}
}

// ServeWS upgrades the request and establishes the connection. The
// identity resolution order is: token subject, userId query parameter,
// generated guest marker.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := h.identify(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	connectionID := uuid.New().String()
	conn := delivery.NewConn(connectionID, ws)
	h.registry.Add(conn)

	rec, err := h.lifecycle.Connect(r.Context(), connectionID, userID)
	if err != nil {
		// Directory write failure: fail the handshake, the client
		// reconnects and retries from scratch.
		h.log.Error().Err(err).Str("connection_id", connectionID).Msg("connect handshake failed")
		h.registry.Remove(connectionID)
		_ = conn.Close()
		return
	}

	h.log.Debug().
		Str("connection_id", connectionID).
		Str("user_id", rec.UserID).
		Str("remote", r.RemoteAddr).
		Msg("websocket established")

	go h.readLoop(conn, ws)
}

// identify extracts the caller's identity without enforcing it. Token
// validation failures degrade to the query parameter, and the absence
// of both yields a guest connection.
func (h *Handler) identify(r *http.Request) string {
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}

	if token != "" && h.jwtSecret != "" {
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			return []byte(h.jwtSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err == nil {
			if sub, err := parsed.Claims.GetSubject(); err == nil && sub != "" {
				return sub
			}
		} else {
			h.log.Debug().Err(err).Msg("token rejected, falling back to query identity")
		}
	}

	return r.URL.Query().Get("userId")
}

// readLoop pumps inbound frames into the router until the socket
// drops, then runs the disconnect path. Protocol-level ping/pong keeps
// the read deadline fresh; application heartbeats additionally update
// the directory through the router.
func (h *Handler) readLoop(conn *delivery.Conn, ws *websocket.Conn) {
	connectionID := conn.ID()
	defer func() {
		h.registry.Remove(connectionID)
		if err := h.lifecycle.Disconnect(context.Background(), connectionID); err != nil {
			h.log.Warn().Err(err).Str("connection_id", connectionID).Msg("disconnect cleanup failed")
		}
		_ = conn.Close()
	}()

	_ = ws.SetReadDeadline(time.Now().Add(h.ws.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.ws.ReadTimeout))
	})

	ticker := time.NewTicker(h.ws.PingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(h.ws.WriteTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("connection_id", connectionID).Msg("read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if err := h.router.HandleMessage(context.Background(), connectionID, data); err != nil {
			h.log.Warn().Err(err).Str("connection_id", connectionID).Msg("message handling failed")
		}
	}
}
