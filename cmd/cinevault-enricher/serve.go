package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JustinTDCT/cinevault-enricher/internal/jobs"
	"github.com/JustinTDCT/cinevault-enricher/internal/scheduler"
	"github.com/JustinTDCT/cinevault-enricher/internal/version"
)

func serveCommand(e *env) *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job worker, the maintenance scheduler and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), e, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Do not run GC and stale refresh on this instance")
	return cmd
}

func serve(ctx context.Context, e *env, withScheduler bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := e.log
	log.Info("cinevault-enricher starting", "version", version.Load().Version)

	a, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rdb, err := jobs.NewRedisClient(ctx, e.cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer rdb.Close()

	queue := jobs.NewQueue(rdb, 0, log)
	jobs.RegisterHandlers(queue, a.Service, e.cfg, e.cfg.PreferredLanguage, e.cfg.CacheMaxAge, log)
	if err := queue.Start(); err != nil {
		return err
	}
	defer queue.Stop()

	if withScheduler {
		refresher := scheduler.NewRefresher(a.Entities, queue, e.cfg.CacheMaxAge, e.cfg.RefreshBatch, log)
		sch, err := scheduler.New(scheduler.Schedules{
			GC:      e.cfg.GCSchedule,
			Refresh: e.cfg.RefreshSchedule,
		}, a.Collector(), refresher, scheduler.NewRedisLocker(rdb), log)
		if err != nil {
			return err
		}
		sch.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			sch.Stop(stopCtx)
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Health(checkCtx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(checkCtx).Err(); err != nil {
			http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(e.cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "port", e.cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err := <-serveErr:
		return err
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
