// Package nodeagent implements the authenticated HTTP surface by which
// the control plane drives the container orchestrator on a node, and
// the client the control plane uses to call it.
package nodeagent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wakegate/wakegate/internal/metrics"
	"github.com/wakegate/wakegate/internal/orchestrator"
	"github.com/wakegate/wakegate/pkg/bundle"
)

// headerSecret is the shared-secret header every request must carry.
const headerSecret = "X-Node-Secret"

// Server serves the node-agent RPC endpoints.
type Server struct {
	orch   *orchestrator.Orchestrator
	secret string

	// lookup resolves a server id to its bundle for the per-server
	// endpoints. Requests carry only the server id; the agent resolves
	// the containers itself.
	lookup BundleLookup
}

// BundleLookup resolves a server id to the bundle the agent should act
// on. Implementations may consult the engine by derived names or an
// agent-local registry.
type BundleLookup interface {
	Bundle(ctx context.Context, serverID int64) (bundle.Bundle, error)
}

// NewServer creates the node agent RPC server.
func NewServer(orch *orchestrator.Orchestrator, lookup BundleLookup, secret string) *Server {
	return &Server{orch: orch, secret: secret, lookup: lookup}
}

// Handler returns the HTTP handler with all endpoints registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /deploy", s.auth("deploy", s.handleDeploy))
	mux.HandleFunc("POST /servers/{id}/wake", s.auth("wake", s.handleWake))
	mux.HandleFunc("POST /servers/{id}/hibernate", s.auth("hibernate", s.handleHibernate))
	mux.HandleFunc("DELETE /servers/{id}", s.auth("delete", s.handleDelete))
	mux.HandleFunc("GET /servers/{id}/stats", s.auth("stats", s.handleStats))
	mux.HandleFunc("GET /servers/{id}/logs", s.auth("logs", s.handleLogs))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	return mux
}

// auth wraps a handler with the shared-secret check. A mismatch is 403
// with no further processing.
func (s *Server) auth(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(headerSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
			metrics.AgentRequests.WithLabelValues(endpoint, "403").Inc()
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid node secret"})
			return
		}
		metrics.AgentRequests.WithLabelValues(endpoint, "ok").Inc()
		next(w, r)
	}
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var spec bundle.DeploySpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid deploy request: " + err.Error()})
		return
	}
	spec.Protocol = strings.ToLower(spec.Protocol)

	log.Printf("[nodeagent] Deploy request for server %d", spec.ServerID)
	b, err := s.orch.Deploy(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"proxy_container_id": b.ProxyContainerID,
		"game_container_id":  b.GameContainerID,
		"network_name":       b.NetworkName,
		"public_port":        b.PublicPort,
	})
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	b, ok := s.resolve(w, r)
	if !ok {
		return
	}
	log.Printf("[nodeagent] Wake request for server %d", b.ServerID)
	if err := s.orch.Wake(r.Context(), b.GameContainerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleHibernate(w http.ResponseWriter, r *http.Request) {
	b, ok := s.resolve(w, r)
	if !ok {
		return
	}
	log.Printf("[nodeagent] Hibernate request for server %d", b.ServerID)
	if err := s.orch.Hibernate(r.Context(), b.GameContainerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	b, ok := s.resolve(w, r)
	if !ok {
		return
	}
	log.Printf("[nodeagent] Delete request for server %d", b.ServerID)
	if err := s.orch.Delete(r.Context(), b); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	b, ok := s.resolve(w, r)
	if !ok {
		return
	}
	stats, err := s.orch.Stats(r.Context(), b.GameContainerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	b, ok := s.resolve(w, r)
	if !ok {
		return
	}
	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tail"})
			return
		}
		tail = n
	}
	logs, err := s.orch.Logs(r.Context(), b.GameContainerID, tail)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

// resolve parses the {id} path segment and looks up the bundle.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (bundle.Bundle, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid server id"})
		return bundle.Bundle{}, false
	}
	b, err := s.lookup.Bundle(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return bundle.Bundle{}, false
	}
	b.ServerID = id
	return b, true
}

// writeError maps orchestrator failures onto the RPC contract: every
// engine-side failure surfaces as 500 with {error}.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves the handler until the context is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[nodeagent] Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("node agent server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}
