// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api is the operational HTTP surface: health probes and the manual
// poll trigger. Rule management happens through the per-user stores; there is
// no browser-facing surface.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/jittarao/torboxd/internal/api/handlers"
	"github.com/jittarao/torboxd/internal/api/middleware"
	"github.com/jittarao/torboxd/internal/database"
	"github.com/jittarao/torboxd/internal/domain"
	"github.com/jittarao/torboxd/internal/models"
	"github.com/jittarao/torboxd/internal/services/poller"
)

type Server struct {
	cfg       *domain.Config
	catalog   *database.DB
	scheduler *poller.Scheduler
	apiKeys   *models.APIKeyStore
}

func NewServer(cfg *domain.Config, catalog *database.DB, scheduler *poller.Scheduler, apiKeys *models.APIKeyStore) *Server {
	return &Server{
		cfg:       cfg,
		catalog:   catalog,
		scheduler: scheduler,
		apiKeys:   apiKeys,
	}
}

// Handler assembles the router. Health probes are unauthenticated; everything
// under /api/users requires a valid upstream credential presented as
// X-API-Token.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	healthHandler := handlers.NewHealthHandler(s.catalog)
	pollHandler := handlers.NewPollHandler(s.scheduler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health/liveness", healthHandler.Liveness)
		r.Get("/health/readiness", healthHandler.Readiness)

		r.Route("/users/{authID}", func(r chi.Router) {
			r.Use(middleware.RequireAPIToken(s.apiKeys))
			r.Post("/poll", pollHandler.Trigger)
		})
	})

	return r
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Msg("api: listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
