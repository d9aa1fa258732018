package handlers

import "net/http"

func SetupRoutes(mux *http.ServeMux, authHandlers *AuthHandlers, roomHandlers *RoomHandlers, notificationHandlers *NotificationHandlers, wsHandlers *WebSocketHandlers) {
	// Notification routes
	mux.HandleFunc("GET /notifications", authHandlers.Require(notificationHandlers.List))
	mux.HandleFunc("DELETE /notifications", authHandlers.Require(notificationHandlers.Clear))

	// Room routes
	mux.HandleFunc("GET /rooms/{id}/invite", authHandlers.Require(roomHandlers.Invite))
	mux.HandleFunc("GET /rooms/{id}/active", authHandlers.Require(roomHandlers.GetActiveUsers))
	mux.HandleFunc("POST /invites/decode", authHandlers.Require(roomHandlers.DecodeInvite))

	mux.HandleFunc("GET /healthz", notificationHandlers.Health)

	// WebSocket route
	if wsHandlers != nil {
		mux.HandleFunc("GET /ws", wsHandlers.HandleWebSocket)
	}
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
