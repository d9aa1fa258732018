package handlers

import (
	"context"
	"net/http"
	"time"

	"chat-fanout/internal/presence"
	"chat-fanout/internal/services"
	ws "chat-fanout/internal/websocket"
	"chat-fanout/pkg/logger"

	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	auth     *AuthHandlers
	chat     *services.ChatService
	opts     ws.Options
	log      *logger.Logger
	baseCtx  context.Context
	upgrader websocket.Upgrader
}

// NewWebSocketHandlers builds the /ws endpoint. Sessions run under baseCtx, so
// cancelling it aborts in-flight sends on every socket.
func NewWebSocketHandlers(baseCtx context.Context, auth *AuthHandlers, chat *services.ChatService, origins *OriginPolicy, opts ws.Options, log *logger.Logger) *WebSocketHandlers {
	if log == nil {
		log = logger.Nop()
	}
	if origins == nil {
		origins = NewOriginPolicy([]string{"*"})
	}
	return &WebSocketHandlers{
		auth:    auth,
		chat:    chat,
		opts:    opts,
		log:     log,
		baseCtx: baseCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
		},
	}
}

func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Authenticate before upgrading
	userID, err := h.auth.UserID(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("Upgrade error: %v", err)
		return
	}

	client := ws.NewClient(conn, userID, h.opts, h.log)
	client.SetVerifier(h.auth.Reverifier(tokenFromRequest(r), userID))
	h.chat.OnConnect(presence.Connection{
		UserID:      userID,
		Channel:     client,
		ConnectedAt: time.Now().UTC(),
	})

	go client.WritePump()
	go client.ReadPump(h.baseCtx, h.chat)
}
