// Package server exposes a catalyst node over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/cluster"
	"catalyst-go/internal/staging"
)

// uploadOverhead is allowed on top of the staging limit for multipart
// framing and form fields.
const uploadOverhead = 1 << 20

// Synchronizer is the part of the sync engine the API exposes.
type Synchronizer interface {
	RetryFailed(ctx context.Context, entityID string, entityType catalyst.EntityType) (*catalyst.DeploymentResult, error)
	Status() []cluster.PeerStatus
}

// Deps groups what the server needs. Sync and Gatherer are optional.
type Deps struct {
	Service  *catalyst.Service
	Staging  *staging.Area
	Sync     Synchronizer
	Gatherer prometheus.Gatherer
	Logger   catalyst.Logger
}

type Server struct {
	service  *catalyst.Service
	staging  *staging.Area
	sync     Synchronizer
	gatherer prometheus.Gatherer
	logger   catalyst.Logger
	router   chi.Router
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = catalyst.NewNopLogger()
	}
	s := &Server{
		service:  deps.Service,
		staging:  deps.Staging,
		sync:     deps.Sync,
		gatherer: deps.Gatherer,
		logger:   deps.Logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Post("/entities", s.handleDeploy)
	r.Get("/entities", s.handleGetEntities)
	r.Get("/entities/active", s.handleGetActiveEntities)
	r.Get("/contents/{hash}", s.handleGetContent)
	r.Get("/deployments", s.handleListDeployments)
	r.Get("/snapshots", s.handleListSnapshots)

	r.Route("/failed-deployments", func(r chi.Router) {
		r.Get("/", s.handleListFailed)
		r.Delete("/{type}/{id}", s.handleClearFailed)
		r.Post("/{type}/{id}/retry", s.handleRetryFailed)
	})

	r.Route("/denylist", func(r chi.Router) {
		r.Get("/", s.handleListDenylist)
		r.Get("/{type}/{id}", s.handleIsDenylisted)
		r.Put("/{type}/{id}", s.handleChangeDenylist(catalyst.DenylistAdd))
		r.Delete("/{type}/{id}", s.handleChangeDenylist(catalyst.DenylistRemove))
	})

	r.Get("/status", s.handleStatus)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then drains open
// requests for up to grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
