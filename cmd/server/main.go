package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"banklink/internal/app"
	"banklink/internal/config"
	"banklink/internal/handlers"
	"banklink/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	application, err := app.Build(ctx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer application.Close()

	handler := handlers.New(cfg, application.Connections, application.Sync, application.Transactions,
		application.Audit, application.Hub, application.Metrics.Handler(), application.DB, logger)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sched, err := newScheduler(cfg, application)
	if err != nil {
		return err
	}
	if sched != nil {
		sched.Start()
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("banklink API listening", "addr", server.Addr, "env", cfg.AppEnv)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-shutdown:
		logger.Info("shutting down", "signal", sig.String())
	}

	if sched != nil {
		if err := sched.Shutdown(30 * time.Second); err != nil {
			logger.Warn("scheduler shutdown", "error", err)
		}
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return server.Shutdown(shutdownCtx)
}

// newScheduler returns nil when every interval is disabled.
func newScheduler(cfg config.Config, application *app.App) (*scheduler.Scheduler, error) {
	var tasks []scheduler.Task
	if cfg.SyncInterval > 0 {
		tasks = append(tasks, scheduler.Task{
			Name:     "sync",
			Interval: cfg.SyncInterval,
			Run: func(ctx context.Context) error {
				summary, err := application.Sync.SyncAll(ctx, cfg.SyncWindowDays)
				if err != nil {
					return err
				}
				application.Logger.Info("scheduled sync finished", "users", summary.Users, "failed_users", len(summary.FailedUsers),
					"upserted", summary.Totals.TransactionsUpserted)
				return nil
			},
		})
	}
	if cfg.GCInterval > 0 {
		tasks = append(tasks, scheduler.Task{
			Name:     "attempt-gc",
			Interval: cfg.GCInterval,
			Run: func(ctx context.Context) error {
				removed, err := application.Connections.GarbageCollect(ctx)
				if err != nil {
					return err
				}
				if removed > 0 {
					application.Logger.Info("expired attempts removed", "count", removed)
				}
				return nil
			},
		})
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return scheduler.New(scheduler.Config{Tasks: tasks, Logger: application.Logger.With("component", "scheduler")})
}
