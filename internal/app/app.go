// Package app wires together the notes stream worker: the broker
// connection, the notes components, and the embedded HTTP endpoint, and
// runs them as a group of goroutines that tear each other down on first
// failure.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"notesworker/internal/broker"
	"notesworker/internal/config"
	"notesworker/internal/notes"
	httptransport "notesworker/internal/transport/http"
	"notesworker/pkg/logging"
	"notesworker/pkg/ulid"
)

// App is the assembled worker process.
type App struct {
	config       *config.Config
	logger       *slog.Logger
	loop         *notes.Loop
	httpServer   *httptransport.Server
	shutdownOnce sync.Once
	cancel       context.CancelFunc
}

// NewWorker connects to the broker, builds every notes component, and
// mounts the health/metrics HTTP endpoint, without starting anything yet.
func NewWorker(cfg *config.Config) (*App, error) {
	logger := logging.NewLoggerWithFormat(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)

	hotPathLogger := logrus.New()
	if cfg.Logging.Format == "json" {
		hotPathLogger.SetFormatter(&logrus.JSONFormatter{})
	}

	consumerName := consumerNameFor(cfg)
	hotPathLogger.AddHook(&consumerNameHook{consumerName: consumerName})

	b, err := broker.Connect(context.Background(), broker.Config{
		URL:          cfg.Redis.URL,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
	}, hotPathLogger, cfg.Redis.ConnectRetryMs, func() {
		touchLivenessFile(cfg.Health.File)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := notes.NewMetrics(registry)
	stats := &notes.Stats{}

	idx := notes.NewIdempotency(b, cfg.Stream.ProcessedSetKey, cfg.Worker.IdempotencyCacheSize, hotPathLogger)
	dq := notes.NewDelayQueue(b, cfg.Stream.RetryScheduleZSetKey, cfg.Stream.RetryPayloadHashKey, cfg.Stream.StreamKey, hotPathLogger)

	handlerCfg := notes.HandlerConfig{
		MaxRetries: cfg.Worker.MaxRetries,
		Backoff:    notes.BackoffConfig{BaseDelaySeconds: cfg.Worker.BaseDelaySeconds, MaxDelaySeconds: cfg.Worker.MaxDelaySeconds},
		StreamKey:  cfg.Stream.StreamKey,
		GroupName:  cfg.Stream.GroupName,
		DLQKey:     cfg.Stream.DLQKey,
	}
	handler := notes.NewHandler(b, idx, dq, processNote, handlerCfg, metrics, stats, hotPathLogger)
	sweeper := notes.NewSweeper(b, cfg.Stream.StreamKey, cfg.Stream.GroupName, consumerName, cfg.Worker.IdleTime, handler, hotPathLogger)

	loop := notes.NewLoop(b, notes.LoopConfig{
		StreamKey:      cfg.Stream.StreamKey,
		GroupName:      cfg.Stream.GroupName,
		ConsumerName:   consumerName,
		DrainBatchSize: cfg.Worker.DrainBatchSize,
		ReadBlock:      cfg.Worker.ReadBlock,
		LivenessFile:   cfg.Health.File,
	}, dq, handler, sweeper, metrics, stats, hotPathLogger)

	if err := loop.EnsureGroup(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ensure consumer group: %w", err)
	}

	httpServer := httptransport.NewServer(cfg, registry, loop, stats)

	return &App{
		config:     cfg,
		logger:     logger,
		loop:       loop,
		httpServer: httpServer,
	}, nil
}

// Start runs the consume loop and the HTTP endpoint concurrently via an
// errgroup: either one's unrecoverable failure tears the other down.
func (a *App) Start() error {
	a.logger.Info("starting notes stream worker")

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.loop.Run(gctx)
	})

	g.Go(func() error {
		return a.httpServer.Start()
	})

	go func() {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.httpServer.Shutdown(shutdownCtx)
	}()

	if err := g.Wait(); err != nil {
		a.logger.Error("worker exited with error", "error", err)
		return err
	}
	return nil
}

// Shutdown stops the loop and HTTP server cooperatively.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.shutdownOnce.Do(func() {
		a.logger.Info("shutting down notes stream worker")
		if a.cancel != nil {
			a.cancel()
		}
		shutdownErr = a.httpServer.Shutdown(ctx)
	})
	return shutdownErr
}

// GetConfig returns the application configuration.
func (a *App) GetConfig() *config.Config {
	return a.config
}

func consumerNameFor(cfg *config.Config) string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-" + ulid.New().String()
}

func touchLivenessFile(path string) {
	if path == "" {
		return
	}
	_ = os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

// consumerNameHook attaches the worker's consumer name to every hot-path
// log line, replacing the original's CorrelatedJsonFormatter.
type consumerNameHook struct {
	consumerName string
}

func (h *consumerNameHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *consumerNameHook) Fire(entry *logrus.Entry) error {
	entry.Data["consumer"] = h.consumerName
	return nil
}
