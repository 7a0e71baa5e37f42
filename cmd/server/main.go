package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/helix-saas/tenant-control-plane/internal/config"
	"github.com/helix-saas/tenant-control-plane/internal/directory"
	"github.com/helix-saas/tenant-control-plane/internal/monitoring"
	"github.com/helix-saas/tenant-control-plane/internal/poolcache"
	"github.com/helix-saas/tenant-control-plane/internal/provision"
	"github.com/helix-saas/tenant-control-plane/internal/registry"
	"github.com/helix-saas/tenant-control-plane/internal/router"
	"github.com/helix-saas/tenant-control-plane/internal/vault"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	vlt, err := vault.New(cfg.VaultPassphrase)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential vault")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adminPool, err := pgxpool.New(ctx, cfg.AdminDatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to administrative database")
	}
	if err := adminPool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Str("server", cfg.AdminHostPort()).Msg("Administrative database unreachable")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	repo := directory.NewRepository(adminPool, rdb)
	defer repo.Close()

	monitoring.InitMetrics()

	engine := provision.NewEngine(cfg, adminPool, repo, vlt)
	queue := provision.NewQueue(engine, repo)
	queue.Start(ctx, cfg.ProvisionWorkers)

	cache := poolcache.New(cfg, vlt)
	defer cache.Close()
	rt := router.New(repo, cache)

	svc := registry.NewService(repo, queue)

	log.Info().
		Str("admin_server", cfg.AdminHostPort()).
		Int("workers", cfg.ProvisionWorkers).
		Msg("Starting tenant control plane")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/tenants", registerHandler(svc))
	mux.HandleFunc("GET /v1/route-check", routeCheckHandler(rt))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: mux,
	}
	go func() {
		log.Info().Msgf("HTTP server for health, metrics and admin started on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	queue.Stop()
	log.Info().Msg("Server exiting")
}

// registerHandler is the thin glue between HTTP and the registration
// service; real request validation lives in the API gateway.
func registerHandler(svc *registry.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registry.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		tenant, err := svc.Register(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(tenant)
	}
}

// routeCheckHandler lets operators verify that a tenant resolves to a
// working pooled connection.
func routeCheckHandler(rt *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pool, binding, err := rt.Route(r.Context(), router.Identity{
			Slug: r.URL.Query().Get("slug"),
			Host: r.URL.Query().Get("host"),
		})
		if err != nil {
			code := http.StatusBadGateway
			switch {
			case errors.Is(err, router.ErrTenantNotFound):
				code = http.StatusNotFound
			case errors.Is(err, router.ErrTenantInactive):
				code = http.StatusConflict
			}
			http.Error(w, err.Error(), code)
			return
		}
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(binding)
	}
}
