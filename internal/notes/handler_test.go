package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notesworker/internal/broker"
)

func newTestHandler(t *testing.T, b *broker.Fake, process Processor) *Handler {
	return newTestHandlerWithStats(t, b, process, &Stats{})
}

func newTestHandlerWithStats(t *testing.T, b *broker.Fake, process Processor, stats *Stats) *Handler {
	t.Helper()
	logger := testLogger()
	idx := NewIdempotency(b, "processed_notes", 16, logger)
	dq := NewDelayQueue(b, testZSetKey, testHashKey, testStreamKey, logger)
	cfg := HandlerConfig{
		MaxRetries: 3,
		Backoff:    BackoffConfig{BaseDelaySeconds: 2, MaxDelaySeconds: 60},
		StreamKey:  testStreamKey,
		GroupName:  "notes_processors",
		DLQKey:     "notes_stream_dlq",
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewHandler(b, idx, dq, process, cfg, metrics, stats, logger)
}

func TestHandler_HappyPath(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()

	calls := 0
	var seenRecord Record
	h := newTestHandler(t, b, func(ctx context.Context, rec Record) error {
		calls++
		seenRecord = rec
		return nil
	})

	id, err := b.XAdd(ctx, testStreamKey, map[string]string{
		"event": "notes.created", "note_id": "n1", "payload": `{"title":"hi"}`,
	})
	require.NoError(t, err)

	h.Handle(ctx, id, map[string]string{"event": "notes.created", "note_id": "n1", "payload": `{"title":"hi"}`})

	assert.Equal(t, 1, calls)
	assert.Equal(t, "n1", seenRecord.NoteID)

	seen, err := b.SIsMember(ctx, "processed_notes", "n1")
	require.NoError(t, err)
	assert.True(t, seen)

	pending, err := b.XPending(ctx, testStreamKey, "notes_processors")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestHandler_Duplicate(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()
	require.NoError(t, b.SAdd(ctx, "processed_notes", "n2"))

	calls := 0
	h := newTestHandler(t, b, func(ctx context.Context, rec Record) error {
		calls++
		return nil
	})

	id, err := b.XAdd(ctx, testStreamKey, map[string]string{"note_id": "n2"})
	require.NoError(t, err)

	h.Handle(ctx, id, map[string]string{"note_id": "n2"})

	assert.Equal(t, 0, calls)
	pending, _ := b.XPending(ctx, testStreamKey, "notes_processors")
	assert.Equal(t, int64(0), pending)
}

func TestHandler_RetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()

	attempt := 0
	h := newTestHandler(t, b, func(ctx context.Context, rec Record) error {
		attempt++
		if attempt < 3 {
			return errors.New("business failure")
		}
		return nil
	})

	id, err := b.XAdd(ctx, testStreamKey, map[string]string{"note_id": "n3", "event": "notes.created"})
	require.NoError(t, err)

	h.Handle(ctx, id, map[string]string{"note_id": "n3", "event": "notes.created"})
	assert.Equal(t, 1, attempt)

	enqueued, err := b.HMGet(ctx, testHashKey, []string{id + ":1"})
	require.NoError(t, err)
	require.NotEmpty(t, enqueued[0])

	var fields map[string]string
	require.NoError(t, json.Unmarshal([]byte(enqueued[0]), &fields))
	assert.Equal(t, "1", fields["retry_count"])

	// The retry is due Backoff(1) seconds from now; move its schedule entry
	// into the past so the drain below picks it up.
	require.NoError(t, b.ZAdd(ctx, testZSetKey, float64(time.Now().Unix()-1), id+":1"))
	h.delayQueue.Drain(ctx, 25)
	redelivered, err := b.XReadGroup(ctx, "notes_processors", "c", testStreamKey, 10, 0)
	require.NoError(t, err)

	var retryMsg *broker.Stream
	for i := range redelivered {
		if redelivered[i].ID != id {
			retryMsg = &redelivered[i]
		}
	}
	require.NotNil(t, retryMsg)

	h.Handle(ctx, retryMsg.ID, retryMsg.Values)
	assert.Equal(t, 2, attempt)

	require.NoError(t, b.ZAdd(ctx, testZSetKey, float64(time.Now().Unix()-1), retryMsg.ID+":2"))
	h.delayQueue.Drain(ctx, 25)
	redelivered2, err := b.XReadGroup(ctx, "notes_processors", "c", testStreamKey, 10, 0)
	require.NoError(t, err)

	var secondRetryMsg *broker.Stream
	for i := range redelivered2 {
		if redelivered2[i].ID != id && redelivered2[i].ID != retryMsg.ID {
			secondRetryMsg = &redelivered2[i]
		}
	}
	require.NotNil(t, secondRetryMsg)

	h.Handle(ctx, secondRetryMsg.ID, secondRetryMsg.Values)
	assert.Equal(t, 3, attempt)

	seen, err := b.SIsMember(ctx, "processed_notes", "n3")
	require.NoError(t, err)
	assert.True(t, seen)

	dlq, err := b.XReadGroup(ctx, "g", "c", "notes_stream_dlq", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, dlq)
}

func TestHandler_AckFailureIncrementsErrorStat(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()
	stats := &Stats{}
	h := newTestHandlerWithStats(t, b, func(ctx context.Context, rec Record) error {
		return nil
	}, stats)

	id, err := b.XAdd(ctx, testStreamKey, map[string]string{"note_id": "n6"})
	require.NoError(t, err)

	b.XAckErr = errors.New("ack failure")
	h.Handle(ctx, id, map[string]string{"note_id": "n6"})

	assert.Equal(t, int64(1), stats.Snapshot().Errors)
}

func TestHandler_RetryEnqueueFailureIncrementsErrorStat(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()
	stats := &Stats{}
	h := newTestHandlerWithStats(t, b, func(ctx context.Context, rec Record) error {
		return errors.New("business failure")
	}, stats)

	id, err := b.XAdd(ctx, testStreamKey, map[string]string{"note_id": "n8", "event": "notes.created"})
	require.NoError(t, err)

	b.HSetErr = errors.New("retry schedule write failure")
	h.Handle(ctx, id, map[string]string{"note_id": "n8", "event": "notes.created"})

	assert.Equal(t, int64(1), stats.Snapshot().Errors)
}

func TestHandler_DLQWriteFailureIncrementsErrorStat(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()
	stats := &Stats{}
	h := newTestHandlerWithStats(t, b, func(ctx context.Context, rec Record) error {
		return errors.New("always fails")
	}, stats)

	id, err := b.XAdd(ctx, testStreamKey, map[string]string{"note_id": "n7", "event": "notes.created", "retry_count": "3"})
	require.NoError(t, err)

	b.XAddErr = errors.New("dlq write failure")
	h.Handle(ctx, id, map[string]string{"note_id": "n7", "event": "notes.created", "retry_count": "3"})

	assert.Equal(t, int64(1), stats.Snapshot().Errors)
}

func TestHandler_RetryExhaustion(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()

	h := newTestHandler(t, b, func(ctx context.Context, rec Record) error {
		return errors.New("always fails")
	})

	id, err := b.XAdd(ctx, testStreamKey, map[string]string{"note_id": "n4", "event": "notes.created"})
	require.NoError(t, err)

	currentID := id
	currentFields := map[string]string{"note_id": "n4", "event": "notes.created"}

	for i := 0; i < 3; i++ {
		h.Handle(ctx, currentID, currentFields)
		// Make the just-scheduled retry due now instead of after its backoff.
		require.NoError(t, b.ZAdd(ctx, testZSetKey, float64(time.Now().Unix()-1), fmt.Sprintf("%s:%d", currentID, i+1)))
		h.delayQueue.Drain(ctx, 25)

		all, err := b.XReadGroup(ctx, "notes_processors", "c", testStreamKey, 100, 0)
		require.NoError(t, err)

		var next *broker.Stream
		for j := range all {
			if all[j].ID == currentID {
				continue
			}
			next = &all[j]
		}
		if next != nil {
			currentID = next.ID
			currentFields = next.Values
		}
	}

	h.Handle(ctx, currentID, currentFields)

	dlq, err := b.XReadGroup(ctx, "g", "c", "notes_stream_dlq", 10, 0)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, currentID, dlq[0].Values["original_message_id"])

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(dlq[0].Values["payload"]), &decoded))
	assert.Equal(t, currentFields["note_id"], decoded["note_id"])

	seen, err := b.SIsMember(ctx, "processed_notes", "n4")
	require.NoError(t, err)
	assert.False(t, seen)
}
