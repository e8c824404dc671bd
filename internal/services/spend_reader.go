package services

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/payrail/payrail-api/internal/eventlog"
	"github.com/payrail/payrail-api/internal/types"
)

// EventSpendReader derives a user's rolling spend from their event
// streams: every bundle initiated inside the window counts unless it
// ended cancelled or failed, so in-flight payments hold their slot
// against the cap.
type EventSpendReader struct {
	store EventStore
}

// NewSpendReader creates a spend reader over the event log.
func NewSpendReader(store EventStore) *EventSpendReader {
	return &EventSpendReader{store: store}
}

func (r *EventSpendReader) SpendSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	events, err := r.store.ListByUser(ctx, userID, 0)
	if err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	var total int64
	for _, ev := range events {
		if ev.Snapshot == nil || ev.Snapshot.CreatedAt.Before(since) {
			continue
		}
		status, _ := ev.Snapshot.Status()
		if status == types.BundleCancelled || status == types.BundleFailed {
			continue
		}
		total += ev.Snapshot.FiatAmountMinor
	}
	return total, nil
}
