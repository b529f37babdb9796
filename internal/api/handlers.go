package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

const maxDiscoverIDs = 10_000

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) queueSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Queue.Summary(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"states": counts, "total": total})
}

type discoverRequest struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) discoverIDs(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.IDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "ids required")
		return
	}
	if len(req.IDs) > maxDiscoverIDs {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d ids per request", maxDiscoverIDs))
		return
	}
	added, err := s.deps.Queue.Discover(r.Context(), req.IDs)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]int{"submitted": len(req.IDs), "added": added})
}

func (s *Server) getQueueItem(w http.ResponseWriter, r *http.Request) {
	id, ok := s.entityID(w, r)
	if !ok {
		return
	}
	item, err := s.deps.Queue.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) reenqueue(w http.ResponseWriter, r *http.Request) {
	id, ok := s.entityID(w, r)
	if !ok {
		return
	}
	item, err := s.deps.Queue.Reenqueue(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request) {
	if s.deps.Replayer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "replay not configured")
		return
	}
	id, ok := s.entityID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Replayer.Replay(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"listing_id":   res.EntityID,
		"outcome":      res.Outcome,
		"day":          res.Day.Format("2006-01-02"),
		"payload_hash": res.PayloadHash,
		"price_event":  res.PriceEvent,
	})
}

func (s *Server) quality(w http.ResponseWriter, r *http.Request) {
	if s.deps.Quality == nil {
		s.writeError(w, http.StatusServiceUnavailable, "quality checks not configured")
		return
	}
	report, err := s.deps.Quality.Run(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if report.Err() != nil {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, report)
}

func (s *Server) buildGold(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gold == nil {
		s.writeError(w, http.StatusServiceUnavailable, "gold builder not configured")
		return
	}
	runBatch(s, w, r, s.deps.Gold.Run)
}

func (s *Server) enrichViews(w http.ResponseWriter, r *http.Request) {
	if s.deps.Views == nil {
		s.writeError(w, http.StatusServiceUnavailable, "views enrichment not configured")
		return
	}
	runBatch(s, w, r, s.deps.Views.Run)
}

func (s *Server) runDiscovery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Discovery == nil {
		s.writeError(w, http.StatusServiceUnavailable, "discovery not configured")
		return
	}
	runBatch(s, w, r, s.deps.Discovery.Run)
}

// runBatch executes a batch pass synchronously and returns its summary.
func runBatch[T any](s *Server, w http.ResponseWriter, r *http.Request, run func(context.Context) (T, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.BatchTimeout)
	defer cancel()
	summary, err := run(ctx)
	if err != nil {
		s.logger.Error("batch pass failed", zap.String("path", r.URL.Path), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "summary": summary})
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) entityID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid listing id")
		return 0, false
	}
	return id, true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, warehouse.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, warehouse.ErrInvalidTransition), errors.Is(err, warehouse.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case warehouse.IsParseError(err):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
