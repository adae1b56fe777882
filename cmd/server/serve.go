package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"stream-registry/internal/monitor"
	"stream-registry/internal/platform/auth"
	"stream-registry/internal/platform/logger"
	"stream-registry/internal/platform/metrics"
	"stream-registry/internal/poller"
	"stream-registry/internal/registry"
	"stream-registry/internal/sink"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registry HTTP server, poller and sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(loadSettings())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(s settings) error {
	log := s.logger()

	reg := registry.New(log)
	snapshots := sink.NewFileSink(s.snapshotPath)
	svc := registry.NewService(reg, snapshots, log)
	if snapshots.Exists() {
		snap, err := snapshots.Read()
		if err != nil {
			log.Warn("ignoring unreadable snapshot", slog.String("path", s.snapshotPath), slog.String("error", err.Error()))
		} else {
			svc.Restore(snap)
		}
	}

	hub := monitor.NewHub(log, svc.Snapshot)
	hub.AllowOrigins(s.wsOrigins...)
	svc.SetBroadcaster(hub)

	met := metrics.New()
	h := registry.NewHandler(svc, log, met)
	verifier := auth.NewVerifier(s.secret)

	pollers, err := buildPollers(s, log)
	if err != nil {
		log.Warn("no backends loaded, polling disabled", slog.String("error", err.Error()))
	}
	sched := poller.NewScheduler(pollers, svc, log, s.pollInterval, s.pollTimeout)
	sched.SetObserver(met)

	sweeper := registry.NewSweeper(reg, log, s.sweepInterval, s.staleThreshold)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper.OnSweep = func(res registry.SweepResult) {
		met.AddSwept(len(res.Streams), len(res.Transcoders))
		svc.Swept(ctx, res)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Use(middleware.Recoverer)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetRegistrySize(reg.Counts()) }).ServeHTTP(w, r)
	})
	r.Get("/state", h.GetState)
	r.Get("/ws", hub.ServeHTTP)
	r.With(verifier.Middleware(log)).Post("/transcoder/hello", h.Heartbeat)
	r.Get("/transcoders/{name}", h.GetTranscoder)
	r.Route("/streams/{source}/{key}", func(r chi.Router) {
		r.Get("/", h.GetStream)
		r.Post("/assign", h.AssignStream)
	})

	addr := ":" + s.port
	srv := &http.Server{Addr: addr, Handler: r}

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	log.Info("server starting",
		"port", s.port,
		"backends", len(pollers),
		"poll_interval", s.pollInterval.String(),
		"sweep_interval", s.sweepInterval.String(),
		"stale_threshold", s.staleThreshold.String(),
		"snapshot_path", s.snapshotPath,
		"heartbeat_auth", verifier.Enabled(),
		"log_level", s.logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutdown signal received, draining connections")
	case err := <-srvErr:
		log.Error("server error", "error", err)
		cancel()
		wg.Wait()
		return err
	}

	cancel()
	wg.Wait()
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	if err := svc.Publish(shutdownCtx); err != nil {
		log.Error("final snapshot failed", "error", err)
	}

	log.Info("server stopped")
	return nil
}
