// Package api exposes the control plane's JSON surface for server
// commands, deposits and player-count queries. Authentication and
// session handling live in front of this handler; the core only
// defines the contract.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/wakegate/wakegate/internal/games"
	"github.com/wakegate/wakegate/internal/provision"
	"github.com/wakegate/wakegate/internal/store"
)

// Credits is the deposit surface, implemented by the lifecycle
// controller.
type Credits interface {
	AddCredits(ctx context.Context, userID int64, amount decimal.Decimal, description string) error
}

// Server serves the control plane API.
type Server struct {
	prov    *provision.Provisioner
	credits Credits
	store   *store.Store
	games   *games.Registry
}

// NewServer creates the API server.
func NewServer(prov *provision.Provisioner, credits Credits, st *store.Store, registry *games.Registry) *Server {
	return &Server{prov: prov, credits: credits, store: st, games: registry}
}

// Handler returns the API HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/servers", s.handleCreate)
	mux.HandleFunc("POST /api/servers/{id}/deploy", s.handleDeploy)
	mux.HandleFunc("POST /api/servers/{id}/wake", s.serverAction(s.prov.Wake))
	mux.HandleFunc("POST /api/servers/{id}/hibernate", s.serverAction(s.prov.Hibernate))
	mux.HandleFunc("DELETE /api/servers/{id}", s.serverAction(s.prov.Delete))
	mux.HandleFunc("GET /api/servers/{id}/players", s.handlePlayers)
	mux.HandleFunc("POST /api/users/{id}/credits", s.handleDeposit)
	mux.HandleFunc("GET /api/games", s.handleGames)
	return mux
}

type createRequest struct {
	UserID       int64             `json:"user_id"`
	GameImageID  int64             `json:"game_image_id"`
	FriendlyName string            `json:"friendly_name"`
	EnvVars      map[string]string `json:"env_vars"`
	AutoSleep    *bool             `json:"auto_sleep"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	autoSleep := true
	if req.AutoSleep != nil {
		autoSleep = *req.AutoSleep
	}

	srv, err := s.prov.Create(r.Context(), req.UserID, req.GameImageID, req.FriendlyName, req.EnvVars, autoSleep)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": srv.ID, "state": srv.State})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := s.prov.Deploy(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) serverAction(fn func(ctx context.Context, serverID int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := fn(r.Context(), id); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// handlePlayers queries the server's game adapter for player counts.
func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	srv, err := s.store.GetServer(r.Context(), id)
	if err != nil || srv == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "server not found"})
		return
	}
	if srv.PublicPort == 0 || srv.State != store.StateRunning {
		writeJSON(w, http.StatusOK, games.PlayerInfo{Online: false})
		return
	}

	plugin := r.URL.Query().Get("plugin")
	if plugin == "" {
		plugin = "minecraft_java"
	}
	adapter, err := s.games.Get(plugin)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	info, err := adapter.Query(r.Context(), "127.0.0.1", srv.PublicPort)
	if err != nil {
		// The server may be mid-start; report offline rather than error.
		writeJSON(w, http.StatusOK, games.PlayerInfo{Online: false})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type depositRequest struct {
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be a positive decimal"})
		return
	}

	if err := s.credits.AddCredits(r.Context(), id, amount, req.Description); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGames(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]games.Config)
	for _, id := range s.games.IDs() {
		adapter, err := s.games.Get(id)
		if err != nil {
			continue
		}
		out[id] = adapter.Describe()
	}
	writeJSON(w, http.StatusOK, out)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
