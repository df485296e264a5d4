/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package api implements crabd's HTTP surface: the ingest endpoints
// clients report start/finish events and crontab submissions to, and
// the read endpoints the dashboard consumes, all thin adapters in
// front of the Store and the Monitor.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/crabhq/crabd/internal/monitor"
	"github.com/crabhq/crabd/internal/store"
)

// Version is the crabd build version, set at build time via ldflags.
var Version = "dev"

var logger *zerolog.Logger

// SetLogger sets the zerolog logger used by the request-logging
// middleware.
func SetLogger(l *zerolog.Logger) {
	logger = l
}

// Server is crabd's HTTP API server.
type Server struct {
	store         store.Store
	mon           *monitor.Monitor
	bind          string
	shutdownGrace time.Duration
	startTime     time.Time
	server        *http.Server
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Store         store.Store
	Monitor       *monitor.Monitor
	BindAddress   string
	ShutdownGrace time.Duration
}

// NewServer constructs a Server. Call Start to begin listening.
func NewServer(opts ServerOptions) *Server {
	if opts.BindAddress == "" {
		opts.BindAddress = ":8080"
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	return &Server{
		store:         opts.Store,
		mon:           opts.Monitor,
		bind:          opts.BindAddress,
		shutdownGrace: opts.ShutdownGrace,
		startTime:     time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.bind,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// zerologMiddleware logs each request's method, path, status, and
// duration.
func zerologMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logger == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Msg("http request")
		}()

		next.ServeHTTP(ww, r)
	})
}

// setupRoutes wires the ingest and query routes onto a chi router.
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(zerologMiddleware)

	h := newHandlers(s.store, s.mon, s.startTime)

	r.Route("/api/0", func(r chi.Router) {
		r.Get("/health", h.getHealth)

		// IngestAPI
		r.Put("/start/{host}/{user}", h.putStart)
		r.Put("/start/{host}/{user}/{crabid}", h.putStart)
		r.Put("/finish/{host}/{user}", h.putFinish)
		r.Put("/finish/{host}/{user}/{crabid}", h.putFinish)
		r.Put("/crontab/{host}/{user}", h.putCrontab)

		// QueryAPI
		r.Get("/crontab/{host}/{user}", h.getCrontab)
		r.Get("/jobstatus", h.getJobStatus)
		r.Get("/jobs", h.getJobs)
		r.Get("/jobs/{id}", h.getJobInfo)
		r.Get("/jobs/{id}/events", h.getJobEvents)
		r.Get("/jobs/{id}/finishes", h.getJobFinishes)
		r.Get("/jobs/{id}/output/{finishID}", h.getJobOutput)
	})

	return r
}
