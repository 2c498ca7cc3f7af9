// Package httpapi is the admin HTTP surface over the coordination
// components. Handlers translate requests into component calls and hold no
// coordination state of their own.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/sqlcoord/internal/app"
	"github.com/SirClappington/sqlcoord/internal/metrics"
)

type Server struct {
	app    *app.App
	logger *zap.Logger
	router chi.Router
}

func New(a *app.App) *Server {
	s := &Server{
		app:    a,
		logger: a.Logger.Named("httpapi"),
		router: chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler(s.app.Prometheus))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/topics/{topic}/messages", s.handlePublish)

		r.Get("/queues", s.handleQueueStats)
		r.Post("/queues/{queue}/messages", s.handleSend)
		r.Get("/queues/{queue}/dead", s.handleListDead)
		r.Post("/queues/{queue}/dead/replay", s.handleReplayDead)

		r.Get("/subscriptions", s.handleListSubscriptions)
		r.Post("/subscriptions", s.handleSubscribe)
		r.Delete("/subscriptions/{topic}/{queue}", s.handleUnsubscribe)

		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs", s.handleScheduleJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)

		r.Get("/locks", s.handleListLocks)
		r.Get("/locks/{resource}", s.handleGetLock)

		r.Post("/cache/invalidate", s.handleInvalidate)
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()
	s.logger.Info("admin api listening", zap.String("addr", l.Addr().String()))

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Wrap(srv.Shutdown(sctx), "shutdown admin api")
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "serve admin api")
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
