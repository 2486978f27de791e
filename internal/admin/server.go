// Package admin exposes the read/admin HTTP surface over the pipeline's
// persisted state: connection summaries, receipt audit lists, the
// candidate review queue, and operator actions (trigger/reset/delete/
// purge).
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/looprock/subscan/internal/database"
	"github.com/looprock/subscan/internal/scan"
)

// Server represents the admin interface server
type Server struct {
	db         *database.DB
	orch       *scan.Orchestrator
	logger     *zap.SugaredLogger
	apiKeyHash string

	httpServer *http.Server
}

// New creates a new admin server.
func New(db *database.DB, orch *scan.Orchestrator, apiKeyHash string, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		db:         db,
		orch:       orch,
		logger:     logger,
		apiKeyHash: apiKeyHash,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/connections", s.requireAPIKey(s.handleListConnections))
	mux.HandleFunc("GET /api/connections/{id}", s.requireAPIKey(s.handleGetConnection))
	mux.HandleFunc("POST /api/connections/{id}/scan", s.requireAPIKey(s.handleTriggerScan))
	mux.HandleFunc("POST /api/connections/{id}/reset", s.requireAPIKey(s.handleResetScan))
	mux.HandleFunc("DELETE /api/connections/{id}", s.requireAPIKey(s.handleDeleteConnection))
	mux.HandleFunc("GET /api/connections/{id}/receipts", s.requireAPIKey(s.handleListReceipts))

	mux.HandleFunc("GET /api/candidates", s.requireAPIKey(s.handleListCandidates))
	mux.HandleFunc("POST /api/candidates/{id}/accept", s.requireAPIKey(s.handleAcceptCandidate))
	mux.HandleFunc("POST /api/candidates/{id}/dismiss", s.requireAPIKey(s.handleDismissCandidate))

	mux.HandleFunc("POST /api/receipts/purge", s.requireAPIKey(s.handlePurgeReceipts))

	return mux
}

// Start runs the server until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infow("admin server listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.db.ListConnections(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	conn, err := s.db.GetConnection(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "connection not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.db.GetConnection(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			http.Error(w, "connection not found", http.StatusNotFound)
			return
		}
		s.internalError(w, err)
		return
	}

	// The scan can outlive the request; detach it from the request
	// context and let the claim guard reject a duplicate trigger.
	go func() {
		outcome, err := s.orch.RunScan(context.Background(), id)
		if err != nil {
			s.logger.Errorw("triggered scan failed", "connection_id", id, "error", err)
			return
		}
		s.logger.Infow("triggered scan finished", "connection_id", id, "outcome", outcome)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "triggered", "connection_id": id})
}

func (s *Server) handleResetScan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := s.db.ResetConnectionScan(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "connection not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.logger.Infow("scan progress reset", "connection_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "connection_id": id})
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := s.db.DeleteConnection(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "connection not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "connection_id": id})
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	receipts, err := s.db.ListReceiptsByConnection(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user query parameter required", http.StatusBadRequest)
		return
	}
	candidates, err := s.db.ListCandidatesByUser(r.Context(), userID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

func (s *Server) handleAcceptCandidate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, err := s.db.AcceptCandidate(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "candidate not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "subscription": sub})
}

func (s *Server) handleDismissCandidate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	candidate, err := s.db.GetCandidate(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "candidate not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	if candidate.Status != database.CandidatePending {
		http.Error(w, "only pending candidates can be dismissed", http.StatusConflict)
		return
	}
	if err := s.db.UpdateCandidateStatus(r.Context(), id, database.CandidateDismissed); err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "dismissed", "candidate_id": id})
}

func (s *Server) handlePurgeReceipts(w http.ResponseWriter, r *http.Request) {
	count, err := s.db.PurgeReceipts(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "purged", "count": count})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Errorw("admin request failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		http.Error(w, "invalid connection id", http.StatusBadRequest)
		return 0, false
	}
	return uint(id), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
