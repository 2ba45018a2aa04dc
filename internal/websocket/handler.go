package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomchat/internal/room"
	"roomchat/pkg/types"
)

// HandlerOptions tunes upgraded connections
type HandlerOptions struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
	MaxFrameSize int64
}

// Handler upgrades requests and pumps frames between a socket and its room
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from room
// logic; the handler never inspects frame contents
type Handler struct {
	rooms    *room.Manager
	opts     HandlerOptions
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a WebSocket handler feeding rooms
func NewHandler(rooms *room.Manager, opts HandlerOptions, logger zerolog.Logger) *Handler {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = 16 * 1024
	}
	return &Handler{
		rooms: rooms,
		opts:  opts,
		upgrader: websocket.Upgrader{
			// Rooms are public; any origin may connect
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

// Serve upgrades the request and attaches the socket to the room for key.
// Validation of key and kind is the caller's job.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, key string, kind types.RoomKind, clientKey string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response
		h.logger.Warn().Err(err).Str("room", key).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, ConnectionOptions{
		BufferSize:   h.opts.BufferSize,
		WriteTimeout: h.opts.WriteTimeout,
		PingInterval: h.opts.PingInterval,
	})

	coordinator, session, err := h.rooms.Join(key, kind, conn, clientKey)
	if err != nil {
		// Report the failure on the socket itself, then close as an internal error
		h.logger.Error().Err(err).Str("room", key).Msg("failed to join room")
		if frame, err := json.Marshal(types.ErrorFrame{Error: types.ErrorTextRoomUnavailable}); err == nil {
			_ = conn.Send(frame)
		}
		_ = conn.Close(types.CloseCodeInternalError, types.CloseReasonBroken)
		return
	}

	h.logger.Debug().
		Str("room", key).
		Str("session", session.ID()).
		Str("client_key", clientKey).
		Msg("websocket attached")

	go h.readPump(ws, conn, coordinator, session)
}

// readPump forwards inbound frames to the room until the socket fails
func (h *Handler) readPump(ws *websocket.Conn, conn *Connection, coordinator *room.Coordinator, session *room.Session) {
	defer func() {
		if err := coordinator.Leave(session); err != nil {
			// Room already gone; release the socket ourselves
			_ = conn.Close(types.CloseCodeGoingAway, types.CloseReasonShutdown)
		}
	}()

	ws.SetReadLimit(h.opts.MaxFrameSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug().Err(err).Str("session", session.ID()).Msg("websocket read ended")
			}
			return
		}

		if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
			return
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if err := coordinator.Receive(session, data); err != nil {
			return
		}
	}
}
