package notes

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"notesworker/internal/broker"
)

// Sweeper is the recovery path (C7): it periodically reclaims records
// idle beyond a threshold (the owning worker crashed or stalled) and
// feeds them back through the handler. The broker's own auto-claim
// delivery count is not mirrored here — the retry budget lives entirely
// in the retry_count field the handler/retry path maintains.
type Sweeper struct {
	broker       broker.Broker
	streamKey    string
	groupName    string
	consumerName string
	idleTime     time.Duration
	handler      *Handler
	logger       *logrus.Logger
}

// NewSweeper builds a Sweeper bound to a consumer name and idle threshold.
func NewSweeper(b broker.Broker, streamKey, groupName, consumerName string, idleTime time.Duration, handler *Handler, logger *logrus.Logger) *Sweeper {
	return &Sweeper{
		broker:       b,
		streamKey:    streamKey,
		groupName:    groupName,
		consumerName: consumerName,
		idleTime:     idleTime,
		handler:      handler,
		logger:       logger,
	}
}

// Sweep claims every pending entry idle beyond the configured threshold
// and runs each one through the handler.
func (s *Sweeper) Sweep(ctx context.Context) {
	claimed, err := s.broker.XAutoClaim(ctx, s.streamKey, s.groupName, s.consumerName, s.idleTime, "0-0")
	if err != nil {
		s.logger.WithError(err).Warn("sweep failed to auto-claim")
		return
	}

	for _, entry := range claimed {
		s.logger.WithField("message_id", entry.ID).Info("reclaimed stuck message")
		s.handler.Handle(ctx, entry.ID, entry.Values)
	}
}
