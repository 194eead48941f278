// Package webhook implements the control plane ingress the proxy
// sidecars post wake requests to.
package webhook

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
)

// WakeHandler authorises and executes a wake request. It is implemented
// by the lifecycle controller.
type WakeHandler interface {
	WakeOnWebhook(ctx context.Context, serverID int64, token string) bool
}

// wakeRequest is the JSON body posted by the proxy sidecar.
type wakeRequest struct {
	ServerID int64  `json:"server_id"`
	Token    string `json:"token"`
}

// Handler returns the webhook HTTP handler. The contract is strict: 200
// on success, 400 on any rejection — the proxy treats every non-200 the
// same and falls back on its own hold timeout.
func Handler(wake WakeHandler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/webhook/wake", func(w http.ResponseWriter, r *http.Request) {
		var req wakeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		if !wake.WakeOnWebhook(r.Context(), req.ServerID, req.Token) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "wake failed"})
			return
		}

		log.Printf("[webhook] Wake signal accepted for server %d", req.ServerID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
