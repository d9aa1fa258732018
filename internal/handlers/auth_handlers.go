package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"chat-fanout/internal/auth"
)

var errMissingToken = errors.New("missing token")

// AuthHandlers resolves the calling user on every request. Tokens are issued by
// the account service; this process only verifies them.
type AuthHandlers struct {
	verifier auth.Verifier
}

func NewAuthHandlers(verifier auth.Verifier) *AuthHandlers {
	return &AuthHandlers{verifier: verifier}
}

// tokenFromRequest reads ?token= or an Authorization: Bearer header.
func tokenFromRequest(r *http.Request) string {
	if tokenStr := r.URL.Query().Get("token"); tokenStr != "" {
		return tokenStr
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func (h *AuthHandlers) UserID(r *http.Request) (int, error) {
	tokenStr := tokenFromRequest(r)
	if tokenStr == "" {
		return 0, errMissingToken
	}
	return h.verifier.VerifyToken(r.Context(), tokenStr)
}

// Reverifier checks that tokenStr is still valid and still names userID.
func (h *AuthHandlers) Reverifier(tokenStr string, userID int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		id, err := h.verifier.VerifyToken(ctx, tokenStr)
		if err != nil {
			return err
		}
		if id != userID {
			return auth.ErrInvalidToken
		}
		return nil
	}
}

// Require wraps a handler that needs an authenticated user.
func (h *AuthHandlers) Require(next func(w http.ResponseWriter, r *http.Request, userID int)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.UserID(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}
