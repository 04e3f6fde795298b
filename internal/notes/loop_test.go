package notes

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notesworker/internal/broker"
)

func newLoopComponents(t *testing.T, b *broker.Fake, process Processor, consumerName string) (*Handler, *Sweeper, *DelayQueue) {
	t.Helper()
	logger := testLogger()
	idx := NewIdempotency(b, "processed_notes", 16, logger)
	dq := NewDelayQueue(b, testZSetKey, testHashKey, testStreamKey, logger)
	hcfg := HandlerConfig{
		MaxRetries: 3,
		Backoff:    BackoffConfig{BaseDelaySeconds: 2, MaxDelaySeconds: 60},
		StreamKey:  testStreamKey,
		GroupName:  "notes_processors",
		DLQKey:     "notes_stream_dlq",
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	handler := NewHandler(b, idx, dq, process, hcfg, metrics, &Stats{}, logger)
	sweeper := NewSweeper(b, testStreamKey, "notes_processors", consumerName, 60*time.Second, handler, logger)
	return handler, sweeper, dq
}

func TestSweeper_CrashRecovery(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()

	calls := 0
	_, sweeperA, _ := newLoopComponents(t, b, func(ctx context.Context, rec Record) error {
		calls++
		return nil
	}, "worker-a")

	id, err := b.XAdd(ctx, testStreamKey, map[string]string{"note_id": "n5", "event": "notes.created"})
	require.NoError(t, err)

	// worker A reads (claims) but crashes before acking.
	_, err = b.XReadGroup(ctx, "notes_processors", "worker-a", testStreamKey, 1, 0)
	require.NoError(t, err)

	// Force the claim to look idle by backdating it.
	b.BackdateClaim(testStreamKey, id, 61*time.Second)

	handlerB, sweeperB, _ := newLoopComponents(t, b, func(ctx context.Context, rec Record) error {
		calls++
		return nil
	}, "worker-b")
	_ = handlerB
	_ = sweeperA

	sweeperB.Sweep(ctx)

	assert.Equal(t, 1, calls)

	seen, err := b.SIsMember(ctx, "processed_notes", "n5")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestLoop_NeverExitsOnHandlerFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	b := broker.NewFake()
	handler, sweeper, dq := newLoopComponents(t, b, func(ctx context.Context, rec Record) error {
		return assert.AnError
	}, "worker-1")

	_, err := b.XAdd(ctx, testStreamKey, map[string]string{"note_id": "n1"})
	require.NoError(t, err)

	loop := NewLoop(b, LoopConfig{
		StreamKey:      testStreamKey,
		GroupName:      "notes_processors",
		ConsumerName:   "worker-1",
		DrainBatchSize: 25,
		ReadBlock:      10 * time.Millisecond,
	}, dq, handler, sweeper, NewMetrics(prometheus.NewRegistry()), &Stats{}, testLogger())

	require.NoError(t, loop.EnsureGroup(ctx))

	err = loop.Run(ctx)
	assert.NoError(t, err)
}

func TestLoop_UnrecoverableReadErrorIncrementsErrorStat(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()
	handler, sweeper, dq := newLoopComponents(t, b, func(ctx context.Context, rec Record) error {
		return nil
	}, "worker-1")

	stats := &Stats{}
	loop := NewLoop(b, LoopConfig{
		StreamKey:      testStreamKey,
		GroupName:      "notes_processors",
		ConsumerName:   "worker-1",
		DrainBatchSize: 25,
		ReadBlock:      10 * time.Millisecond,
	}, dq, handler, sweeper, NewMetrics(prometheus.NewRegistry()), stats, testLogger())

	require.NoError(t, loop.EnsureGroup(ctx))

	b.XReadGroupErr = assert.AnError
	err := loop.Run(ctx)

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, int64(1), stats.Snapshot().Errors)
}
