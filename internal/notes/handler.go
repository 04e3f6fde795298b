package notes

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"notesworker/internal/broker"
)

// Processor is the abstract business hook: the only thing specific to
// what a "note" actually is. The core never inspects its error beyond
// success/failure.
type Processor func(ctx context.Context, record Record) error

// HandlerConfig carries the handler's static tuning knobs.
type HandlerConfig struct {
	MaxRetries int
	Backoff    BackoffConfig
	StreamKey  string
	GroupName  string
	DLQKey     string
}

// Handler orchestrates a single delivery end to end: normalize,
// idempotency-check, invoke the business hook, and on failure schedule a
// retry or route to DLQ. It always acknowledges the original delivery
// (I3) regardless of outcome.
type Handler struct {
	broker      broker.Broker
	idempotency *Idempotency
	delayQueue  *DelayQueue
	process     Processor
	cfg         HandlerConfig
	metrics     *Metrics
	stats       *Stats
	logger      *logrus.Logger
}

// NewHandler builds a Handler.
func NewHandler(b broker.Broker, idx *Idempotency, dq *DelayQueue, process Processor, cfg HandlerConfig, metrics *Metrics, stats *Stats, logger *logrus.Logger) *Handler {
	return &Handler{
		broker:      b,
		idempotency: idx,
		delayQueue:  dq,
		process:     process,
		cfg:         cfg,
		metrics:     metrics,
		stats:       stats,
		logger:      logger,
	}
}

// Handle processes one delivery identified by messageID with raw field map
// rawFields. It is used both for fresh deliveries (§4.8) and reclaimed
// ones (§4.7); the semantics are identical either way.
func (h *Handler) Handle(ctx context.Context, messageID string, rawFields map[string]string) {
	record := Normalize(rawFields)
	fields := logrus.Fields{"message_id": messageID, "note_id": record.NoteID, "event": record.Event}
	if record.TraceID != "" {
		fields["trace_id"] = record.TraceID
	}

	if record.NoteID != "" && h.idempotency.Seen(ctx, record.NoteID) {
		h.logger.WithFields(fields).Debug("duplicate note id, skipping business hook")
		h.ack(ctx, messageID)
		return
	}

	start := time.Now()
	err := h.process(ctx, record)
	duration := time.Since(start)

	if err == nil {
		h.idempotency.Mark(ctx, record.NoteID)
		h.ack(ctx, messageID)

		h.metrics.MessagesProcessed.WithLabelValues(record.Event).Inc()
		h.metrics.ProcessingMillis.WithLabelValues(record.Event).Observe(float64(duration.Milliseconds()))
		h.stats.IncProcessed()

		h.logger.WithFields(fields).Info("record processed")
		return
	}

	h.logger.WithFields(fields).WithError(err).Warn("business hook failed")

	retryCount := record.RetryCount + 1
	if retryCount <= h.cfg.MaxRetries {
		h.scheduleRetry(ctx, messageID, record, retryCount)
	} else {
		h.sendToDLQ(ctx, messageID, rawFields)
	}

	h.ack(ctx, messageID)
}

func (h *Handler) scheduleRetry(ctx context.Context, messageID string, record Record, retryCount int) {
	delay := Backoff(h.cfg.Backoff, retryCount)
	dueTS := time.Now().Unix() + int64(delay)
	memberID := messageID + ":" + strconv.Itoa(retryCount)

	payload := record.Payload
	if payload == "" {
		payload = "{}"
	}

	retryFields := map[string]string{
		"event":       record.Event,
		"note_id":     record.NoteID,
		"trace_id":    record.TraceID,
		"retry_count": strconv.Itoa(retryCount),
		"payload":     payload,
	}

	if err := h.delayQueue.Enqueue(ctx, retryFields, dueTS, memberID); err != nil {
		h.logger.WithError(err).WithField("message_id", messageID).Error("failed to enqueue retry")
		h.stats.IncErrors()
		return
	}

	h.metrics.Retries.Inc()
	h.stats.IncRetries()
	h.logger.WithFields(logrus.Fields{
		"message_id":  messageID,
		"retry_count": retryCount,
		"delay_sec":   delay,
	}).Info("scheduled retry")
}

func (h *Handler) sendToDLQ(ctx context.Context, messageID string, rawFields map[string]string) {
	payload, err := json.Marshal(rawFields)
	if err != nil {
		h.logger.WithError(err).WithField("message_id", messageID).Error("failed to marshal DLQ payload")
		payload = []byte("{}")
	}

	dlqFields := map[string]string{
		"original_message_id": messageID,
		"payload":             string(payload),
		"failed_at":           time.Now().UTC().Format(time.RFC3339),
	}

	if _, err := h.broker.XAdd(ctx, h.cfg.DLQKey, dlqFields); err != nil {
		h.logger.WithError(err).WithField("message_id", messageID).Error("failed to write DLQ entry")
		h.stats.IncErrors()
		return
	}

	h.metrics.DLQ.Inc()
	h.stats.IncDLQ()
	h.logger.WithField("message_id", messageID).Warn("retry budget exhausted, routed to DLQ")
}

func (h *Handler) ack(ctx context.Context, messageID string) {
	if err := h.broker.XAck(ctx, h.cfg.StreamKey, h.cfg.GroupName, messageID); err != nil {
		h.logger.WithError(err).WithField("message_id", messageID).Error("failed to acknowledge message")
		h.stats.IncErrors()
	}
}
