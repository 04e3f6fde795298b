package notes

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"notesworker/internal/broker"
)

// DelayQueue is the (sorted-set, hash) pair described in §4.5: it holds
// records until their retry time arrives, then atomically drains due ones
// back onto the main stream.
type DelayQueue struct {
	broker    broker.Broker
	zsetKey   string
	hashKey   string
	streamKey string
	logger    *logrus.Logger
}

// NewDelayQueue builds a DelayQueue bound to the given broker keys.
func NewDelayQueue(b broker.Broker, zsetKey, hashKey, streamKey string, logger *logrus.Logger) *DelayQueue {
	return &DelayQueue{broker: b, zsetKey: zsetKey, hashKey: hashKey, streamKey: streamKey, logger: logger}
}

// Enqueue schedules fields for redelivery at dueTS (unix seconds) under
// memberID. The hash entry is written before the sorted-set entry: any
// observer that sees the zset member can already find its payload (I1).
func (q *DelayQueue) Enqueue(ctx context.Context, fields map[string]string, dueTS int64, memberID string) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	if err := q.broker.HSet(ctx, q.hashKey, memberID, string(raw)); err != nil {
		return err
	}
	return q.broker.ZAdd(ctx, q.zsetKey, float64(dueTS), memberID)
}

// Drain atomically claims up to max due members and re-adds each one's
// payload to the main stream as a fresh entry. It never fails the caller:
// a per-member error (missing/corrupt hash entry, a failed XAdd) is
// logged and skipped so one poisoned payload can't block forward progress.
func (q *DelayQueue) Drain(ctx context.Context, max int64) {
	members, err := q.broker.PopDueRetries(ctx, q.zsetKey, float64(time.Now().Unix()), max)
	if err != nil {
		q.logger.WithError(err).Warn("delay queue drain failed")
		return
	}

	for _, memberID := range members {
		q.drainOne(ctx, memberID)
	}
}

// drainOne fetches memberID's payload and re-adds it to the main stream.
// The hash entry is released unconditionally, the same guaranteed-release
// shape as the original's try/finally: once PopDueRetries has removed the
// zset entry, the hash entry must go too no matter how XAdd turns out, or
// it is orphaned forever with no schedule entry left to find it by.
func (q *DelayQueue) drainOne(ctx context.Context, memberID string) {
	defer func() {
		if err := q.broker.HDel(ctx, q.hashKey, memberID); err != nil {
			q.logger.WithError(err).WithField("member_id", memberID).Warn("failed to delete delay queue hash entry after drain")
		}
	}()

	values, err := q.broker.HMGet(ctx, q.hashKey, []string{memberID})
	if err != nil {
		q.logger.WithError(err).WithField("member_id", memberID).Warn("failed to fetch delay queue payload")
		return
	}

	if len(values) == 0 || values[0] == "" {
		q.logger.WithField("member_id", memberID).Warn("orphan delay queue hash entry, skipping")
		return
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(values[0]), &fields); err != nil {
		q.logger.WithError(err).WithField("member_id", memberID).Warn("corrupt delay queue payload, dropping")
		return
	}

	clean := make(map[string]string, len(fields))
	for k, v := range fields {
		if v == "" {
			continue
		}
		clean[k] = v
	}

	if _, err := q.broker.XAdd(ctx, q.streamKey, clean); err != nil {
		q.logger.WithError(err).WithField("member_id", memberID).Warn("failed to re-add drained record to stream")
	}
}
