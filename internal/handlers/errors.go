package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"chat-fanout/internal/fanout"
	"chat-fanout/internal/invite"
	"chat-fanout/pkg/logger"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, fanout.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, fanout.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, invite.ErrInvalidCode):
		return http.StatusBadRequest
	case errors.Is(err, fanout.ErrRosterUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("%s error: %v", op, err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
