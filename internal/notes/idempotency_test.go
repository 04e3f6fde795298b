package notes

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notesworker/internal/broker"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestIdempotency_EmptyIDNeverSeen(t *testing.T) {
	idx := NewIdempotency(broker.NewFake(), "processed_notes", 0, testLogger())
	assert.False(t, idx.Seen(context.Background(), ""))
}

func TestIdempotency_SeenAfterMark(t *testing.T) {
	ctx := context.Background()
	idx := NewIdempotency(broker.NewFake(), "processed_notes", 16, testLogger())

	assert.False(t, idx.Seen(ctx, "n1"))
	idx.Mark(ctx, "n1")
	assert.True(t, idx.Seen(ctx, "n1"))
}

func TestIdempotency_FallsThroughOnCacheMiss(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()
	require.NoError(t, b.SAdd(ctx, "processed_notes", "n2"))

	idx := NewIdempotency(b, "processed_notes", 16, testLogger())
	assert.True(t, idx.Seen(ctx, "n2"))
}
