package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	appcfg "github.com/jo-hoe/transcriptor/internal/config"
	"github.com/jo-hoe/transcriptor/internal/health"
	"github.com/jo-hoe/transcriptor/internal/lifecycle"
	"github.com/jo-hoe/transcriptor/internal/processor"
	"github.com/jo-hoe/transcriptor/internal/server"
	"github.com/jo-hoe/transcriptor/internal/storage"
	"github.com/jo-hoe/transcriptor/internal/sweeper"
)

func main() {
	// Load config; an optional first argument names the file.
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := appcfg.Load(configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("open job store", "driver", cfg.Store.Driver, "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	queue, err := openBroker(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("open broker", "driver", cfg.Queue.Driver, "err", err)
		os.Exit(1)
	}
	defer func() { _ = queue.Close() }()

	engines, err := engineFactory(cfg)
	if err != nil {
		logger.Error("engine", "provider", cfg.Engine.Provider, "err", err)
		os.Exit(1)
	}

	uploader := storage.NewUploader(cfg.Server.StorageDir)
	jobsSvc, err := lifecycle.New(logger.With("component", "lifecycle"), store, queue, uploader)
	if err != nil {
		logger.Error("init lifecycle", "err", err)
		os.Exit(1)
	}

	exec := processor.NewExecutor(logger.With("component", "executor"), store, queue, uploader, processor.PolicyFromConfig(cfg.Jobs))
	if n, err := exec.Recover(rootCtx); err != nil {
		logger.Warn("startup recovery incomplete", "republished", n, "err", err)
	} else if n > 0 {
		logger.Info("republished unfinished jobs", "count", n)
	}

	pool := processor.NewPool(logger, exec, queue, engines, cfg.Server.WorkerCount, cfg.Jobs.MaxJobsPerSlot)
	sweep := sweeper.New(logger.With("component", "sweeper"), store, queue, uploader, cfg.Sweeper.Interval, cfg.Sweeper.OrphanAge)
	monitor := health.NewMonitor(logger.With("component", "health"), cfg.Health.Interval,
		health.Check{Name: "store", Pinger: store},
		health.Check{Name: "broker", Pinger: queue},
	)

	httpSrv := server.NewHTTPServer(&server.Service{
		Log:      logger,
		Cfg:      cfg,
		Jobs:     jobsSvc,
		Uploader: uploader,
		Executor: exec,
		Engines:  engines,
		Health:   monitor,
	})

	var grpcSrv *grpc.Server
	if cfg.Health.GRPCAddr != "" {
		grpcSrv = grpc.NewServer()
		monitor.Register(grpcSrv)
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { return pool.Start(ctx) })
	g.Go(func() error { return sweep.Run(ctx) })
	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.Health.GRPCAddr)
			if err != nil {
				return err
			}
			logger.Info("grpc health server starting", "address", cfg.Health.GRPCAddr)
			return grpcSrv.Serve(lis)
		})
	}

	// Graceful shutdown: stop intake first, then hand in-flight jobs back.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancelShutdown()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		pool.Shutdown(cfg.Server.ShutdownGrace)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
