package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/example/srsengine/internal/errs"
	"github.com/example/srsengine/pkg/models"
)

const defaultStatsWindow = time.Hour

func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// cacheStats returns hit rate and counts over ?window= (default 1h).
// ?source=persisted reads the stored metric history instead of the
// in-process log.
func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}
	since := s.now().Add(-window)

	switch r.URL.Query().Get("source") {
	case "", "memory":
		if s.deps.CacheStats == nil {
			success(w, models.CacheStats{})
			return
		}
		success(w, s.deps.CacheStats.Stats(since))
	case "persisted":
		if s.deps.CacheHistory == nil {
			failure(w, r, fmt.Errorf("cache metric persistence is disabled: %w", errs.ErrUnavailable))
			return
		}
		stats, err := s.deps.CacheHistory.Stats(r.Context(), since)
		if err != nil {
			failure(w, r, err)
			return
		}
		success(w, stats)
	default:
		writeError(w, http.StatusBadRequest, "source must be memory or persisted")
	}
}

func (s *Server) getPattern(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Service.LearningPattern(r.Context(), userFrom(r.Context()))
	if err != nil {
		failure(w, r, err)
		return
	}
	success(w, p)
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			failure(w, r, errs.Invalid("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	queue, err := s.deps.Service.StudyQueue(r.Context(), userFrom(r.Context()), r.URL.Query().Get("session_id"), limit)
	if err != nil {
		failure(w, r, err)
		return
	}
	if queue == nil {
		queue = []models.ScoredCard{}
	}
	success(w, queue)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Service.UserStats(r.Context(), userFrom(r.Context()))
	if err != nil {
		failure(w, r, err)
		return
	}
	success(w, stats)
}

func (s *Server) getDeckStats(w http.ResponseWriter, r *http.Request) {
	decks, err := s.deps.Service.DeckStats(r.Context(), userFrom(r.Context()))
	if err != nil {
		failure(w, r, err)
		return
	}
	if decks == nil {
		decks = []models.DeckStats{}
	}
	success(w, decks)
}

func (s *Server) getPersonalization(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Service.Personalization(r.Context(), userFrom(r.Context()))
	if err != nil {
		failure(w, r, err)
		return
	}
	success(w, cfg)
}

func (s *Server) putPersonalization(w http.ResponseWriter, r *http.Request) {
	var cfg models.PersonalizationConfig
	if err := decode(w, r, &cfg); err != nil {
		failure(w, r, err)
		return
	}
	if err := s.deps.Service.UpdatePersonalization(r.Context(), userFrom(r.Context()), cfg); err != nil {
		failure(w, r, err)
		return
	}
	success(w, cfg)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return errs.Invalid("body", err.Error())
	}
	return nil
}

func (s *Server) submitReview(w http.ResponseWriter, r *http.Request) {
	var sub models.ReviewSubmission
	if err := decode(w, r, &sub); err != nil {
		failure(w, r, err)
		return
	}
	res, err := s.deps.Service.SubmitReview(r.Context(), userFrom(r.Context()), sub)
	if err != nil {
		failure(w, r, err)
		return
	}
	success(w, res)
}

func (s *Server) recordInteraction(w http.ResponseWriter, r *http.Request) {
	var in models.Interaction
	if err := decode(w, r, &in); err != nil {
		failure(w, r, err)
		return
	}
	in.ID = ""
	in.Processed = false
	in.UserID = userFrom(r.Context())
	if err := s.deps.Recorder.RecordInteraction(r.Context(), &in); err != nil {
		failure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SuccessResponse{Data: map[string]string{"id": in.ID}})
}

func (s *Server) completeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.deps.Service.CompleteSession(r.Context(), userFrom(r.Context()), sessionID); err != nil {
		failure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) regeneratePath(w http.ResponseWriter, r *http.Request) {
	if s.deps.Regenerator == nil {
		failure(w, r, fmt.Errorf("path regeneration is not configured: %w", errs.ErrUnavailable))
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.deps.Regenerator.RequestRegeneration(userFrom(r.Context()), sessionID, "manual"); err != nil {
		failure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SuccessResponse{Data: map[string]string{"session_id": sessionID}})
}

func (s *Server) checkReminders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reminders == nil {
		failure(w, r, fmt.Errorf("reminders are not configured: %w", errs.ErrUnavailable))
		return
	}
	sent, err := s.deps.Reminders.RunManualCheck(r.Context(), userFrom(r.Context()))
	if err != nil {
		failure(w, r, err)
		return
	}
	success(w, map[string]bool{"sent": sent})
}
