package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"chat-fanout/internal/models"
	"chat-fanout/internal/services"
)

type RoomHandlers struct {
	chat *services.ChatService
}

func NewRoomHandlers(chat *services.ChatService) *RoomHandlers {
	return &RoomHandlers{chat: chat}
}

// Invite returns a share code for a room the caller belongs to.
func (h *RoomHandlers) Invite(w http.ResponseWriter, r *http.Request, userID int) {
	roomID, err := roomIDFromPath(r)
	if err != nil {
		http.Error(w, "invalid room ID", http.StatusBadRequest)
		return
	}

	code, err := h.chat.InviteForRoom(r.Context(), roomID, userID)
	if err != nil {
		writeError(w, "Invite", err)
		return
	}
	writeJSON(w, http.StatusOK, models.InviteResponse{RoomID: roomID, Code: code})
}

func (h *RoomHandlers) DecodeInvite(w http.ResponseWriter, r *http.Request, _ int) {
	var req models.DecodeInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	roomID, roomName, err := h.chat.DecodeInvite(req.Code)
	if err != nil {
		writeError(w, "Decode invite", err)
		return
	}
	writeJSON(w, http.StatusOK, models.DecodeInviteResponse{RoomID: roomID, RoomName: roomName})
}

func (h *RoomHandlers) GetActiveUsers(w http.ResponseWriter, r *http.Request, userID int) {
	roomID, err := roomIDFromPath(r)
	if err != nil {
		http.Error(w, "invalid room ID", http.StatusBadRequest)
		return
	}

	active, err := h.chat.ActiveViewers(r.Context(), roomID, userID)
	if err != nil {
		writeError(w, "Get active users", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room_id":      roomID,
		"active_users": active,
		"count":        len(active),
	})
}

func roomIDFromPath(r *http.Request) (int, error) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		return 0, strconv.ErrSyntax
	}
	return id, nil
}
