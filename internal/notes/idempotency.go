package notes

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"notesworker/internal/broker"
)

// Idempotency is the processed-id index (C2): a membership test and
// insertion against the broker's processed set, backed by a small
// positive-only LRU so a note id this process already marked doesn't pay
// a round trip on every redelivery.
type Idempotency struct {
	broker      broker.Broker
	key         string
	logger      *logrus.Logger
	confirmed   *lru.Cache[string, bool]
}

// NewIdempotency builds an Idempotency index. cacheSize <= 0 disables the
// cache; every Seen call then hits the broker directly.
func NewIdempotency(b broker.Broker, processedSetKey string, cacheSize int, logger *logrus.Logger) *Idempotency {
	idx := &Idempotency{broker: b, key: processedSetKey, logger: logger}
	if cacheSize > 0 {
		if cache, err := lru.New[string, bool](cacheSize); err == nil {
			idx.confirmed = cache
		}
	}
	return idx
}

// Seen reports whether id is already in the processed set. An empty id is
// treated as unknown (never seen), matching the source's "nil id" case.
// The cache is consulted only for a positive hit: a miss always falls
// through to SIsMember, so a cache that hasn't yet observed a Mark can
// never manufacture a false negative (I2/P4 safety).
func (idx *Idempotency) Seen(ctx context.Context, noteID string) bool {
	if noteID == "" {
		return false
	}

	if idx.confirmed != nil {
		if _, ok := idx.confirmed.Get(noteID); ok {
			return true
		}
	}

	seen, err := idx.broker.SIsMember(ctx, idx.key, noteID)
	if err != nil {
		idx.logger.WithError(err).WithField("note_id", noteID).Warn("idempotency check failed, treating as unseen")
		return false
	}
	return seen
}

// Mark records noteID as processed. A transient failure is logged but
// never blocks acknowledgement: the retry budget plus this set together
// bound duplicate work, they don't have to be perfect individually.
func (idx *Idempotency) Mark(ctx context.Context, noteID string) {
	if noteID == "" {
		return
	}

	if err := idx.broker.SAdd(ctx, idx.key, noteID); err != nil {
		idx.logger.WithError(err).WithField("note_id", noteID).Warn("failed to mark note id processed")
		return
	}

	if idx.confirmed != nil {
		idx.confirmed.Add(noteID, true)
	}
}
