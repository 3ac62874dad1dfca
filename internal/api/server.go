// Package api exposes the engine over HTTP: review submission, interaction
// recording and read-only views of queues, patterns and cache health.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/srsengine/internal/config"
	"github.com/example/srsengine/internal/logging"
	"github.com/example/srsengine/pkg/models"
)

const (
	// UserHeader carries the acting user's id
	UserHeader = "X-User-ID"

	limiterPruneInterval = 10 * time.Minute
	limiterIdle          = time.Hour
	shutdownTimeout      = 5 * time.Second
	maxBodyBytes         = 1 << 20
)

// Service is the part of the review service the API calls
type Service interface {
	SubmitReview(ctx context.Context, userID string, sub models.ReviewSubmission) (*models.ReviewResult, error)
	StudyQueue(ctx context.Context, userID, sessionID string, limit int) ([]models.ScoredCard, error)
	LearningPattern(ctx context.Context, userID string) (*models.LearningPattern, error)
	UserStats(ctx context.Context, userID string) (*models.UserStats, error)
	DeckStats(ctx context.Context, userID string) ([]models.DeckStats, error)
	Personalization(ctx context.Context, userID string) (models.PersonalizationConfig, error)
	UpdatePersonalization(ctx context.Context, userID string, cfg models.PersonalizationConfig) error
	CompleteSession(ctx context.Context, userID, sessionID string) error
}

// InteractionRecorder accepts in-session events for deferred folding
type InteractionRecorder interface {
	RecordInteraction(ctx context.Context, in *models.Interaction) error
}

// CacheStats summarizes recent cache activity
type CacheStats interface {
	Stats(since time.Time) models.CacheStats
}

// CacheHistory summarizes persisted cache metrics
type CacheHistory interface {
	Stats(ctx context.Context, since time.Time) (models.CacheStats, error)
}

// Regenerator queues a study path regeneration
type Regenerator interface {
	RequestRegeneration(userID, sessionID, trigger string) error
}

// Reminders sends a due-card reminder on demand
type Reminders interface {
	RunManualCheck(ctx context.Context, userID string) (bool, error)
}

// Deps groups the collaborators of a Server. Only Service and Recorder are
// required; routes backed by a nil member answer 503.
type Deps struct {
	Service      Service
	Recorder     InteractionRecorder
	CacheStats   CacheStats
	CacheHistory CacheHistory
	Regenerator  Regenerator
	Reminders    Reminders
}

// Server is the HTTP front end of the engine
type Server struct {
	router  *chi.Mux
	cfg     config.APIConfig
	deps    Deps
	limiter *userLimiter
	now     func() time.Time
	logger  zerolog.Logger
}

// NewServer creates a server and registers its routes
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		cfg:     cfg,
		deps:    deps,
		limiter: newUserLimiter(cfg.RateLimit, cfg.RateBurst),
		now:     time.Now,
		logger:  logging.Component("api"),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the root handler, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	if s.cfg.Timeout > 0 {
		s.router.Use(middleware.Timeout(s.cfg.Timeout))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.healthCheck)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/cache/stats", s.cacheStats)

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Get("/pattern", s.getPattern)
			r.Get("/queue", s.getQueue)
			r.Get("/stats", s.getStats)
			r.Get("/decks/stats", s.getDeckStats)
			r.Get("/personalization", s.getPersonalization)
			r.Put("/personalization", s.putPersonalization)
			r.Post("/reviews", s.submitReview)
			r.Post("/interactions", s.recordInteraction)
			r.Post("/sessions/{sessionID}/complete", s.completeSession)
			r.Post("/sessions/{sessionID}/regenerate", s.regeneratePath)
			r.Post("/reminders/check", s.checkReminders)
		})
	})
}

// Serve runs the HTTP server until ctx is cancelled
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP API listening")
		errCh <- srv.ListenAndServe()
	}()

	ticker := time.NewTicker(limiterPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ticker.C:
			s.limiter.prune(s.now().Add(-limiterIdle))
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn().Err(err).Msg("HTTP shutdown failed")
			}
			return ctx.Err()
		}
	}
}

func (s *Server) String() string { return "http-api" }
