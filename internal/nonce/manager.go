// Package nonce hands out chain nonces for sender addresses. Each
// payment consumes two consecutive nonces, one per transfer leg, and
// the manager is the single source of truth once an address is seeded.
package nonce

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/chain"
)

// ErrDesync is returned when the node's pending nonce has drifted
// beyond the tolerated window from local state. Allocation fails
// closed until Resync is called.
var ErrDesync = errors.New("nonce state out of sync with chain")

// maxDrift is how far ahead the node's pending nonce may run before
// we refuse to allocate. Drift below local state is always a desync.
const maxDrift = 16

// Pair is the two consecutive nonces reserved for a payment.
type Pair struct {
	Main uint64
	Fee  uint64
}

type addressState struct {
	mu sync.Mutex

	seeded bool
	next   uint64

	// released holds nonces handed back after a failed signing or a
	// cancelled payment. They are re-issued lowest first so the
	// account never develops a gap.
	released map[uint64]bool

	// ambiguous holds nonces whose broadcast outcome is unknown.
	// They are never re-issued; only Resync clears them.
	ambiguous map[uint64]bool
}

// Manager allocates nonces per sender address, seeding from the
// node's pending nonce on first use.
type Manager struct {
	client chain.Client
	logger *zap.Logger

	mu        sync.Mutex
	addresses map[common.Address]*addressState
}

// NewManager creates a nonce manager backed by the given chain client.
func NewManager(client chain.Client, logger *zap.Logger) *Manager {
	return &Manager{
		client:    client,
		logger:    logger,
		addresses: make(map[common.Address]*addressState),
	}
}

func (m *Manager) stateFor(addr common.Address) *addressState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.addresses[addr]
	if !ok {
		st = &addressState{
			released:  make(map[uint64]bool),
			ambiguous: make(map[uint64]bool),
		}
		m.addresses[addr] = st
	}
	return st
}

// AllocatePair reserves two consecutive nonces for the address. Both
// come from the released pool only when the pool holds an adjacent
// pair; otherwise both come off the counter, keeping the legs
// consecutive.
func (m *Manager) AllocatePair(ctx context.Context, addr common.Address) (Pair, error) {
	st := m.stateFor(addr)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := m.ensureSeeded(ctx, addr, st); err != nil {
		return Pair{}, err
	}
	if err := m.checkDrift(ctx, addr, st); err != nil {
		return Pair{}, err
	}

	if lo, ok := adjacentReleased(st.released); ok {
		delete(st.released, lo)
		delete(st.released, lo+1)
		return Pair{Main: lo, Fee: lo + 1}, nil
	}

	p := Pair{Main: st.next, Fee: st.next + 1}
	st.next += 2
	return p, nil
}

// Allocate reserves a single nonce, preferring the released pool.
func (m *Manager) Allocate(ctx context.Context, addr common.Address) (uint64, error) {
	st := m.stateFor(addr)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := m.ensureSeeded(ctx, addr, st); err != nil {
		return 0, err
	}
	if err := m.checkDrift(ctx, addr, st); err != nil {
		return 0, err
	}

	if n, ok := lowestReleased(st.released); ok {
		delete(st.released, n)
		return n, nil
	}

	n := st.next
	st.next++
	return n, nil
}

// Release returns a nonce that was reserved but definitely never
// reached the chain, making it available for re-issue.
func (m *Manager) Release(addr common.Address, n uint64) {
	st := m.stateFor(addr)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ambiguous[n] {
		return
	}
	if st.seeded && n >= st.next {
		return
	}
	st.released[n] = true
}

// MarkAmbiguous records that a broadcast with this nonce may or may
// not have landed. The nonce is quarantined until the next Resync.
func (m *Manager) MarkAmbiguous(addr common.Address, n uint64) {
	st := m.stateFor(addr)
	st.mu.Lock()
	defer st.mu.Unlock()

	delete(st.released, n)
	st.ambiguous[n] = true

	m.logger.Warn("nonce marked ambiguous",
		zap.String("address", addr.Hex()),
		zap.Uint64("nonce", n))
}

// Resync discards local state for the address and re-seeds from the
// node's pending nonce. Returns the new baseline.
func (m *Manager) Resync(ctx context.Context, addr common.Address) (uint64, error) {
	st := m.stateFor(addr)
	st.mu.Lock()
	defer st.mu.Unlock()

	pending, err := m.client.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, errors.Wrap(err, "failed to fetch pending nonce for resync")
	}

	st.seeded = true
	st.next = pending
	st.released = make(map[uint64]bool)
	st.ambiguous = make(map[uint64]bool)

	m.logger.Info("nonce state resynced",
		zap.String("address", addr.Hex()),
		zap.Uint64("pending_nonce", pending))

	return pending, nil
}

func (m *Manager) ensureSeeded(ctx context.Context, addr common.Address, st *addressState) error {
	if st.seeded {
		return nil
	}
	pending, err := m.client.PendingNonceAt(ctx, addr)
	if err != nil {
		return errors.Wrap(err, "failed to seed nonce state")
	}
	st.seeded = true
	st.next = pending
	return nil
}

// checkDrift compares the node's view against local state. A pending
// nonce below anything we could still re-issue, or further ahead than
// maxDrift, means another writer is using the account.
func (m *Manager) checkDrift(ctx context.Context, addr common.Address, st *addressState) error {
	if len(st.ambiguous) == 0 {
		return nil
	}

	pending, err := m.client.PendingNonceAt(ctx, addr)
	if err != nil {
		return errors.Wrap(err, "failed to verify pending nonce")
	}
	if pending > st.next && pending-st.next > maxDrift {
		return errors.Wrapf(ErrDesync, "pending nonce %d is %d ahead of local %d", pending, pending-st.next, st.next)
	}
	if floor, ok := lowestReleased(st.released); ok && pending > floor {
		return errors.Wrapf(ErrDesync, "pending nonce %d passed released nonce %d", pending, floor)
	}
	return nil
}

func lowestReleased(pool map[uint64]bool) (uint64, bool) {
	var lo uint64
	found := false
	for n := range pool {
		if !found || n < lo {
			lo = n
			found = true
		}
	}
	return lo, found
}

func adjacentReleased(pool map[uint64]bool) (uint64, bool) {
	if len(pool) < 2 {
		return 0, false
	}
	keys := make([]uint64, 0, len(pool))
	for n := range pool {
		keys = append(keys, n)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for i := 0; i+1 < len(keys); i++ {
		if keys[i+1] == keys[i]+1 {
			return keys[i], true
		}
	}
	return 0, false
}
