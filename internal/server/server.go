// Package server exposes the HTTP surface: the donation REST API, provider
// webhook endpoints, and the overlay WebSocket subscription.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"

	"github.com/streamcash/server/internal/config"
	"github.com/streamcash/server/internal/gateway"
	"github.com/streamcash/server/internal/ledger"
	"github.com/streamcash/server/internal/registry"
	"github.com/streamcash/server/internal/storage"
)

type Server struct {
	cfg      *config.Config
	store    *storage.Storage
	ledger   *ledger.Ledger
	gateways *gateway.Registry
	registry *registry.Registry
	log      *slog.Logger

	httpServer *http.Server
}

func New(cfg *config.Config, store *storage.Storage, ldg *ledger.Ledger, gws *gateway.Registry, reg *registry.Registry, log *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		ledger:   ldg,
		gateways: gws,
		registry: reg,
		log:      log,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ws/{streamerID}", s.handleOverlaySocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/donations", func(r chi.Router) {
			r.Post("/", s.handleCreateDonation)
			r.Get("/", s.handleListDonations)
			r.Get("/{id}", s.handleGetDonation)
			r.Get("/stats/{streamerID}", s.handleDonationStats)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/webhook/{provider}", s.handleWebhook)
			r.Get("/status/{paymentID}", s.handlePaymentStatus)
		})

		r.Route("/streamers", func(r chi.Router) {
			r.Post("/", s.handleCreateStreamer)
			r.Get("/{id}", s.handleGetStreamer)
			r.Get("/by-url/{url}", s.handleGetStreamerByURL)
			r.Get("/{id}/alerts", s.handleGetAlertSettings)
			r.Put("/{id}/alerts", s.handlePutAlertSettings)
		})
	})

	return r
}

// Start begins serving HTTP requests. Blocks until the listener fails or the
// server is stopped.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
