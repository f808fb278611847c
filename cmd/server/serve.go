package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/lbe-engine/internal/api"
	"github.com/atmx/lbe-engine/internal/config"
	"github.com/atmx/lbe-engine/internal/ledger"
	"github.com/atmx/lbe-engine/internal/metrics"
	"github.com/atmx/lbe-engine/internal/transition"
	"github.com/atmx/lbe-engine/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket hub and (if enabled) the settlement worker",
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the settlement worker",
	RunE:  runWorker,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ledger schema and seed the genesis registries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Database.URL == "" {
			return errors.New("migrate needs DATABASE_URL")
		}
		ctx := cmd.Context()
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()
		if err := ledger.NewPostgresLedger(pool).Migrate(ctx, cfg.Rent()); err != nil {
			return err
		}
		slog.Info("ledger schema ready")
		return nil
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.Close()

	builder := transition.NewBuilder(cfg.Transition())
	wsHub := api.NewWSHub()
	svc := api.NewService(be.ledger, builder, wsHub)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      newRouter(svc, wsHub),
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("lbe-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("shutting down lbe-engine...")
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Worker.Enabled {
		w := newWorker(cfg, be, builder, wsHub)
		g.Go(func() error { return ignoreCancel(w.Run(gctx)) })
	}

	err = g.Wait()
	slog.Info("lbe-engine stopped")
	return err
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.Close()

	w := newWorker(cfg, be, transition.NewBuilder(cfg.Transition()), nil)
	return ignoreCancel(w.Run(ctx))
}

func newWorker(cfg *config.Config, be *backend, builder *transition.Builder, hub *api.WSHub) *worker.Worker {
	opts := []worker.Option{
		worker.WithJournal(be.journal),
		worker.WithLogger(slog.Default().With("component", "worker")),
	}
	if hub != nil {
		opts = append(opts, worker.WithNotifier(hub))
	}
	return worker.New(be.ledger, builder, worker.Config{
		Interval:       cfg.WorkerInterval(),
		ActionsPerTick: cfg.Worker.ActionsPerTick,
	}, opts...)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newRouter(svc *api.Service, wsHub *api.WSHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"lbe-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for transition notices.
		r.Get("/ws", wsHub.HandleWS)

		// Events and owner operations.
		r.Get("/events", svc.ListEvents)
		r.Post("/events", svc.CreateEvent)
		r.Get("/events/{eventID}", svc.GetEvent)
		r.Put("/events/{eventID}", svc.UpdateEvent)
		r.Post("/events/{eventID}/cancel", svc.CancelEvent)
		r.Post("/events/{eventID}/sellers", svc.AddSellers)
		r.Post("/events/{eventID}/close", svc.CloseEvent)
		r.Get("/events/{eventID}/history", svc.GetHistory)

		// Contributor orders.
		r.Post("/events/{eventID}/orders", svc.PlaceOrder)
		r.Get("/events/{eventID}/orders/{owner}", svc.GetOrder)
	})

	return r
}
