package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/sfu-signaling/config"
	"github.com/mossy-p/sfu-signaling/internal/engine"
	"github.com/mossy-p/sfu-signaling/internal/engine/mediasoup"
	"github.com/mossy-p/sfu-signaling/internal/handlers"
	"github.com/mossy-p/sfu-signaling/internal/logging"
	"github.com/mossy-p/sfu-signaling/internal/metrics"
	"github.com/mossy-p/sfu-signaling/internal/middleware"
	"github.com/mossy-p/sfu-signaling/internal/presence"
	"github.com/mossy-p/sfu-signaling/internal/redis"
	"github.com/mossy-p/sfu-signaling/internal/registry"
	"github.com/mossy-p/sfu-signaling/internal/room"
	"github.com/mossy-p/sfu-signaling/internal/throttle"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Room presence directory
	var store presence.Store = presence.NewMemoryStore()
	if cfg.Redis.Enabled {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		store = redis.NewPresenceStore(client, cfg.Redis.TTL)
		logger.Info("redis connection established", "host", cfg.Redis.Host, "port", cfg.Redis.Port)
	}

	// Media workers
	workers := make([]engine.Worker, 0, cfg.Media.NumWorkers)
	defer func() {
		for _, w := range workers {
			w.Close()
		}
	}()
	for range cfg.Media.NumWorkers {
		w, err := mediasoup.NewWorker(logger, mediasoup.Settings{
			Bin:        cfg.Media.WorkerBin,
			LogLevel:   cfg.Media.WorkerLogLevel,
			RtcMinPort: cfg.Media.RtcMinPort,
			RtcMaxPort: cfg.Media.RtcMaxPort,
		})
		if err != nil {
			return err
		}
		workers = append(workers, w)
		logger.Info("media worker started", "workerPid", w.PID())
	}

	codecs := cfg.Media.MediaCodecs
	if len(codecs) == 0 {
		codecs = engine.DefaultMediaCodecs()
	}

	collector := metrics.NewPrometheusCollector()

	var throttler throttle.Throttler
	if cfg.Room.NetworkThrottleSecret != "" {
		throttler = throttle.NewNetem(cfg.Room.ThrottleInterface)
	}

	reg, err := registry.New(registry.Config{
		Logger:         logger,
		Workers:        workers,
		StatusInterval: cfg.Room.StatusInterval,
		Room: room.Config{
			Logger:          logger,
			Metrics:         collector,
			Presence:        store,
			Throttler:       throttler,
			MediaCodecs:     codecs,
			WebRtcTransport: cfg.Media.WebRtcTransport,
			PlainTransport:  cfg.Media.PlainTransport,
			RequestTimeout:  cfg.Room.RequestTimeout,
			ThrottleSecret:  cfg.Room.NetworkThrottleSecret,
		},
	})
	if err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit)
	defer limiter.Stop()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	h := handlers.New(handlers.Options{
		Config:      cfg,
		Logger:      logger,
		Registry:    reg,
		Presence:    store,
		Metrics:     collector,
		RateLimiter: limiter,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		reg.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("starting signaling server", "port", cfg.Port, "tls", cfg.TLS.Enabled())
		var err error
		if cfg.TLS.Enabled() {
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		reg.Close()
		return err
	})

	return g.Wait()
}
