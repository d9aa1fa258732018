package handlers

import (
	"net/http"

	"chat-fanout/internal/models"
	"chat-fanout/internal/services"
)

type NotificationHandlers struct {
	chat *services.ChatService
}

func NewNotificationHandlers(chat *services.ChatService) *NotificationHandlers {
	return &NotificationHandlers{chat: chat}
}

func (h *NotificationHandlers) List(w http.ResponseWriter, r *http.Request, userID int) {
	notes, err := h.chat.ListNotifications(r.Context(), userID)
	if err != nil {
		writeError(w, "List notifications", err)
		return
	}
	if notes == nil {
		notes = []*models.Notification{}
	}
	writeJSON(w, http.StatusOK, notes)
}

func (h *NotificationHandlers) Clear(w http.ResponseWriter, r *http.Request, userID int) {
	n, err := h.chat.ClearNotifications(r.Context(), userID)
	if err != nil {
		writeError(w, "Clear notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

// Health reports liveness plus the router and retry counters.
func (h *NotificationHandlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"online": h.chat.OnlineCount(),
		"fanout": h.chat.Stats(),
		"retry":  h.chat.RetryStats(),
	})
}
