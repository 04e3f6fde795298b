package notes

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"notesworker/internal/broker"
)

// LoopConfig carries the main loop's tuning knobs.
type LoopConfig struct {
	StreamKey      string
	GroupName      string
	ConsumerName   string
	DrainBatchSize int64
	ReadBlock      time.Duration
	LivenessFile   string
}

// Loop is the main consume loop (C8): each iteration signals liveness,
// drains due retries, blocks for one new delivery, runs the handler, and
// sweeps stuck deliveries. It never exits on a per-message failure; only
// an unrecoverable broker error propagates, which the caller treats as a
// process restart condition.
type Loop struct {
	broker     broker.Broker
	cfg        LoopConfig
	delayQueue *DelayQueue
	handler    *Handler
	sweeper    *Sweeper
	metrics    *Metrics
	stats      *Stats
	logger     *logrus.Logger
}

// NewLoop builds a Loop.
func NewLoop(b broker.Broker, cfg LoopConfig, dq *DelayQueue, handler *Handler, sweeper *Sweeper, metrics *Metrics, stats *Stats, logger *logrus.Logger) *Loop {
	return &Loop{broker: b, cfg: cfg, delayQueue: dq, handler: handler, sweeper: sweeper, metrics: metrics, stats: stats, logger: logger}
}

// EnsureGroup creates the consumer group if it doesn't already exist,
// swallowing the "group already exists" response.
func (l *Loop) EnsureGroup(ctx context.Context) error {
	err := l.broker.XGroupCreate(ctx, l.cfg.StreamKey, l.cfg.GroupName, "0")
	if err != nil && !errors.Is(err, broker.ErrGroupExists) {
		return err
	}
	return nil
}

// Run executes the loop until ctx is cancelled or an unrecoverable broker
// error occurs.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		l.signalLiveness()

		l.delayQueue.Drain(ctx, l.cfg.DrainBatchSize)

		messages, err := l.broker.XReadGroup(ctx, l.cfg.GroupName, l.cfg.ConsumerName, l.cfg.StreamKey, 1, l.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.WithError(err).Error("unrecoverable broker error reading stream")
			l.stats.IncErrors()
			return err
		}

		for _, msg := range messages {
			l.handler.Handle(ctx, msg.ID, msg.Values)
		}

		l.sweeper.Sweep(ctx)
	}
}

func (l *Loop) signalLiveness() {
	if l.cfg.LivenessFile == "" {
		return
	}
	if err := os.WriteFile(l.cfg.LivenessFile, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		l.logger.WithError(err).Warn("failed to write liveness file")
	}
}

// IsConnectedToBroker reports the health collaborator's connectivity
// signal (§6).
func (l *Loop) IsConnectedToBroker(ctx context.Context) bool {
	err := l.broker.Ping(ctx)
	connected := err == nil
	if l.metrics != nil {
		if connected {
			l.metrics.RedisConnected.Set(1)
		} else {
			l.metrics.RedisConnected.Set(0)
		}
	}
	return connected
}

// PendingLag reports the total group-pending count (§6).
func (l *Loop) PendingLag(ctx context.Context) (int64, error) {
	lag, err := l.broker.XPending(ctx, l.cfg.StreamKey, l.cfg.GroupName)
	if err != nil {
		return 0, err
	}
	if l.metrics != nil {
		l.metrics.ConsumerLag.WithLabelValues(l.cfg.GroupName).Set(float64(lag))
	}
	return lag, nil
}
