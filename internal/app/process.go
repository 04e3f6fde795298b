package app

import (
	"context"
	"time"

	"notesworker/internal/notes"
)

// processNote is the concrete business hook. The core treats it as
// abstract (§1); this implementation stands in for whatever effect a
// real deployment attaches — replace with real logic.
func processNote(ctx context.Context, record notes.Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	return nil
}
