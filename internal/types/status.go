package types

import "fmt"

// LegKind identifies which of the two on-chain transfers a leg is.
type LegKind string

const (
	LegMain LegKind = "Main" // sender -> recipient
	LegFee  LegKind = "Fee"  // sender -> platform fee wallet
)

// LegStatus is the lifecycle status of a single transaction leg.
// A leg only ever moves forward through the ordered statuses; the
// sole exceptions are the terminal failure branches.
type LegStatus string

const (
	LegCreated   LegStatus = "Created"
	LegSigned    LegStatus = "Signed"
	LegPending   LegStatus = "Pending"
	LegConfirmed LegStatus = "Confirmed"
	LegFinalized LegStatus = "Finalized"
	LegFailed    LegStatus = "Failed"
	LegCancelled LegStatus = "Cancelled"
)

// legRank orders the happy-path statuses for monotonicity checks.
var legRank = map[LegStatus]int{
	LegCreated:   0,
	LegSigned:    1,
	LegPending:   2,
	LegConfirmed: 3,
	LegFinalized: 4,
}

// Terminal reports whether no further transition is permitted.
func (s LegStatus) Terminal() bool {
	switch s {
	case LegFinalized, LegFailed, LegCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a valid
// forward move. Failure branches are reachable from Created, Signed
// and Pending only; everything else must be a strict forward step.
func (s LegStatus) CanTransitionTo(next LegStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case LegFailed, LegCancelled:
		return s == LegCreated || s == LegSigned || s == LegPending
	}
	cur, ok1 := legRank[s]
	nxt, ok2 := legRank[next]
	if !ok1 || !ok2 {
		return false
	}
	return nxt == cur+1
}

// BundleStatus is the logical-transaction-level status. It is never set
// directly; it is derived from the pair of leg statuses.
type BundleStatus string

const (
	BundleInitiated     BundleStatus = "Initiated"
	BundleSigned        BundleStatus = "Signed"
	BundlePending       BundleStatus = "Pending"
	BundleMainConfirmed BundleStatus = "MainConfirmed"
	BundleCompleted     BundleStatus = "Completed"
	BundleFailed        BundleStatus = "Failed"
	BundleCancelled     BundleStatus = "Cancelled"
)

// DeriveBundleStatus computes the bundle status from the two leg
// statuses. The feeFailed flag marks the case where the recipient
// payment succeeded but the platform fee could not be collected; the
// recipient leg's success is irreversible and is never rolled back or
// re-opened because of a fee failure.
func DeriveBundleStatus(main, fee LegStatus) (status BundleStatus, feeFailed bool) {
	switch main {
	case LegFailed:
		return BundleFailed, false
	case LegCancelled:
		return BundleCancelled, false
	case LegConfirmed, LegFinalized:
		switch fee {
		case LegFailed:
			return BundleFailed, true
		case LegConfirmed, LegFinalized:
			return BundleCompleted, false
		default:
			return BundleMainConfirmed, false
		}
	case LegPending:
		return BundlePending, false
	case LegSigned:
		return BundleSigned, false
	default:
		return BundleInitiated, false
	}
}

func (s LegStatus) String() string    { return string(s) }
func (s BundleStatus) String() string { return string(s) }
func (k LegKind) String() string      { return string(k) }

// ParseLegKind parses a leg kind from its wire form.
func ParseLegKind(s string) (LegKind, error) {
	switch s {
	case "Main":
		return LegMain, nil
	case "Fee":
		return LegFee, nil
	}
	return "", fmt.Errorf("unknown leg kind: %s", s)
}
