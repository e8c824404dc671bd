// Package statemachine owns the lifecycle of a logical transaction and
// its two legs. State is never stored directly: the authoritative
// current state of a bundle is a pure fold over its ordered event
// stream, which makes crash recovery a matter of replaying, not
// reconciling.
package statemachine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/payrail/payrail-api/internal/types"
)

// ErrStateConflict is returned for any transition that is not a valid
// forward move from the leg's current status. Conflicts never mutate
// state, which is what makes event replay idempotent.
var ErrStateConflict = errors.New("state conflict: transition not permitted from current status")

// ApplyLeg moves a leg to the next status if the move is a valid
// forward transition.
func ApplyLeg(leg *types.Leg, next types.LegStatus) error {
	if !leg.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s leg %s -> %s", ErrStateConflict, leg.Kind, leg.Status, next)
	}
	leg.Status = next
	return nil
}

// Apply mutates the bundle according to a single event. Events whose
// implied transition conflicts with the current leg status return
// ErrStateConflict and leave the bundle untouched.
func Apply(bundle *types.TransactionBundle, event *types.TransactionEvent) error {
	switch event.EventType {
	case types.EventInitiated, types.EventValidated, types.EventNonceResynced, types.EventError:
		// No leg transition; Initiated establishes the bundle itself
		// and the others are audit entries.
		return nil

	case types.EventSigned:
		if err := ApplyLeg(bundle.Main, types.LegSigned); err != nil {
			return err
		}
		if err := ApplyLeg(bundle.Fee, types.LegSigned); err != nil {
			return err
		}
		if snap := event.Snapshot; snap != nil {
			bundle.Main.SignedPayload = snap.Main.SignedPayload
			bundle.Fee.SignedPayload = snap.Fee.SignedPayload
		}
		return nil

	case types.EventCancelled:
		// Cancellation is only reachable pre-broadcast and applies to
		// the pair; the fee leg is not independently user-cancellable.
		if err := ApplyLeg(bundle.Main, types.LegCancelled); err != nil {
			return err
		}
		return ApplyLeg(bundle.Fee, types.LegCancelled)

	case types.EventMainBroadcastRetry, types.EventFeeBroadcastRetry:
		leg := bundle.Leg(legForRetry(event.EventType))
		leg.RetryCount = event.Attempt
		leg.LastError = event.Detail
		return nil
	}

	kind, next, ok := event.EventType.Transition()
	if !ok {
		return fmt.Errorf("unhandled event type %q", event.EventType)
	}
	leg := bundle.Leg(kind)
	if err := ApplyLeg(leg, next); err != nil {
		return err
	}
	if snap := event.Snapshot; snap != nil {
		if snapLeg := snap.Leg(kind); snapLeg != nil {
			if snapLeg.ChainTxHash != "" {
				leg.ChainTxHash = snapLeg.ChainTxHash
			}
			if snapLeg.BlockNumber != 0 {
				leg.BlockNumber = snapLeg.BlockNumber
			}
		}
	}
	if next == types.LegFailed {
		leg.LastError = event.Detail
	}
	return nil
}

func legForRetry(t types.EventType) types.LegKind {
	if t == types.EventFeeBroadcastRetry {
		return types.LegFee
	}
	return types.LegMain
}

// Fold rebuilds a bundle from its event stream. Events are ordered by
// created-at with the ULID event id as the same-instant tiebreak, then
// applied in turn; conflicting (duplicate or out-of-order) events are
// skipped rather than corrupting state, so replay is deterministic and
// idempotent.
func Fold(events []types.TransactionEvent) (*types.TransactionBundle, error) {
	if len(events) == 0 {
		return nil, errors.New("empty event stream")
	}

	ordered := make([]types.TransactionEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].EventID < ordered[j].EventID
	})

	if ordered[0].EventType != types.EventInitiated || ordered[0].Snapshot == nil {
		return nil, errors.New("event stream does not begin with an initiation snapshot")
	}

	bundle := ordered[0].Snapshot.Clone()
	for i := 1; i < len(ordered); i++ {
		ev := ordered[i]
		if err := Apply(bundle, &ev); err != nil {
			if errors.Is(err, ErrStateConflict) {
				// Logged by the caller; a conflicting event must not
				// corrupt already-established state.
				continue
			}
			return nil, err
		}
	}
	return bundle, nil
}
