// Package testutil provides in-memory test doubles shared across
// package tests.
package testutil

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/payrail/payrail-api/internal/eventlog"
	"github.com/payrail/payrail-api/internal/types"
)

// MemStore is an in-memory event log with the same ordering
// guarantees as the DynamoDB store.
type MemStore struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	events  map[string][]types.TransactionEvent

	// AppendErr, when set, fails the next Append.
	AppendErr error
}

// NewMemStore creates an empty in-memory event log.
func NewMemStore() *MemStore {
	return &MemStore{
		entropy: ulid.Monotonic(rand.Reader, 0),
		events:  make(map[string][]types.TransactionEvent),
	}
}

func (s *MemStore) Append(_ context.Context, event *types.TransactionEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AppendErr != nil {
		err := s.AppendErr
		s.AppendErr = nil
		return "", err
	}
	if event.EventID != "" {
		return "", errors.New("event already has an event id")
	}

	now := time.Now().UTC()
	event.EventID = ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	event.CreatedAt = now

	s.events[event.TransactionID] = append(s.events[event.TransactionID], *event)
	return event.EventID, nil
}

func (s *MemStore) Latest(_ context.Context, transactionID string) (*types.TransactionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.events[transactionID]
	if len(stream) == 0 {
		return nil, eventlog.ErrNotFound
	}
	ev := stream[len(stream)-1]
	return &ev, nil
}

func (s *MemStore) List(_ context.Context, transactionID string) ([]types.TransactionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.events[transactionID]
	if len(stream) == 0 {
		return nil, eventlog.ErrNotFound
	}
	out := make([]types.TransactionEvent, len(stream))
	copy(out, stream)
	return out, nil
}

func (s *MemStore) ListByUser(_ context.Context, userID string, limit int32) ([]types.TransactionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var heads []types.TransactionEvent
	for _, stream := range s.events {
		head := stream[len(stream)-1]
		if head.UserID == userID {
			heads = append(heads, head)
		}
	}
	if len(heads) == 0 {
		return nil, eventlog.ErrNotFound
	}
	if limit > 0 && int32(len(heads)) > limit {
		heads = heads[:limit]
	}
	return heads, nil
}

func (s *MemStore) ListByBundleStatus(_ context.Context, status types.BundleStatus) ([]types.TransactionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var heads []types.TransactionEvent
	for _, stream := range s.events {
		head := stream[len(stream)-1]
		if head.Snapshot == nil {
			continue
		}
		got, _ := head.Snapshot.Status()
		if got == status {
			heads = append(heads, head)
		}
	}
	return heads, nil
}

// Events returns a copy of a transaction's stream for assertions.
func (s *MemStore) Events(transactionID string) []types.TransactionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TransactionEvent, len(s.events[transactionID]))
	copy(out, s.events[transactionID])
	return out
}

// AllStreams returns every transaction id currently stored.
func (s *MemStore) AllStreams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	return ids
}
