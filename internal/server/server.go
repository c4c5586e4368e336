// Package server wires the orchestrator's HTTP surface: the periodic /sync
// trigger, SNS webhook endpoints, health, and metrics.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/clowdr-app/clowdr-broadcast/internal/metrics"
	"github.com/clowdr-app/clowdr-broadcast/internal/notify"
	"github.com/clowdr-app/clowdr-broadcast/internal/reactor"
)

// syncSecretHeader carries the shared secret that authorizes /sync.
const syncSecretHeader = "X-Broadcast-Sync-Secret"

// Syncer runs a full schedule reconciliation pass.
type Syncer interface {
	SyncAll(ctx context.Context) error
}

// Lifecycle runs the channel lifecycle passes.
type Lifecycle interface {
	EnsureUpcomingChannels(ctx context.Context) error
	StopIdleChannels(ctx context.Context) error
}

// ChannelReactor handles parsed channel notifications.
type ChannelReactor interface {
	HandleChannelStateChange(ctx context.Context, change *reactor.ChannelStateChange) error
	HandleHarvestJob(ctx context.Context, job *reactor.HarvestJob) error
}

// Config holds the server's operational settings.
type Config struct {
	SyncSecret      string
	StateTopicARN   string
	HarvestTopicARN string
	VerifySNS       bool
}

// Server is the orchestrator's HTTP surface.
type Server struct {
	syncer    Syncer
	lifecycle Lifecycle
	react     ChannelReactor
	met       *metrics.Metrics
	cfg       Config
}

// New creates a Server. met may be nil.
func New(syncer Syncer, lc Lifecycle, react ChannelReactor, met *metrics.Metrics, cfg Config) *Server {
	return &Server{
		syncer:    syncer,
		lifecycle: lc,
		react:     react,
		met:       met,
		cfg:       cfg,
	}
}

// Router builds the chi router with logging and metrics middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(metrics.RequestMiddleware(s.met))

	r.Post("/sync", s.handleSync)
	r.Method(http.MethodPost, "/notify/channel-state",
		notify.NewHandler(s.cfg.StateTopicARN, s.cfg.VerifySNS, s.onChannelStateMessage))
	r.Method(http.MethodPost, "/notify/harvest",
		notify.NewHandler(s.cfg.HarvestTopicARN, s.cfg.VerifySNS, s.onHarvestMessage))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.met != nil {
		r.Method(http.MethodGet, "/metrics", s.met.Handler())
	}

	return r
}

// handleSync runs one full pass: schedule sync, upcoming-channel ensure,
// idle-channel stop. Partial per-room failures inside a pass are already
// absorbed by the components; an error surfacing here means a whole phase
// failed, and the trigger should see a 500 so its own alerting fires.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(syncSecretHeader)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.SyncSecret)) != 1 {
		log.Warn().Msg("Sync trigger with missing or wrong secret")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ctx := r.Context()
	started := time.Now()
	ok := true

	if err := s.syncer.SyncAll(ctx); err != nil {
		log.Error().Err(err).Msg("Schedule sync pass failed")
		ok = false
	}
	if err := s.lifecycle.EnsureUpcomingChannels(ctx); err != nil {
		log.Error().Err(err).Msg("Upcoming-channel ensure pass failed")
		ok = false
	}
	if err := s.lifecycle.StopIdleChannels(ctx); err != nil {
		log.Error().Err(err).Msg("Idle-channel stop pass failed")
		ok = false
	}

	log.Info().Dur("elapsed", time.Since(started)).Bool("ok", ok).Msg("Sync pass finished")

	if !ok {
		http.Error(w, "Failure", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) onChannelStateMessage(ctx context.Context, msg *notify.Message) error {
	change, err := reactor.ParseChannelStateChange([]byte(msg.Message))
	if err != nil {
		return err
	}
	if change == nil {
		log.Debug().Str("messageId", msg.MessageID).Msg("Ignoring non state-change notification")
		return nil
	}
	return s.react.HandleChannelStateChange(ctx, change)
}

func (s *Server) onHarvestMessage(ctx context.Context, msg *notify.Message) error {
	job, err := reactor.ParseHarvestJob([]byte(msg.Message))
	if err != nil {
		return err
	}
	if job == nil {
		log.Debug().Str("messageId", msg.MessageID).Msg("Ignoring non harvest notification")
		return nil
	}
	return s.react.HandleHarvestJob(ctx, job)
}

// statusWriter captures the response status for request logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// requestLogger logs one line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	})
}
