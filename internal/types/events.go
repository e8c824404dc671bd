package types

import "time"

// EventType classifies an immutable fact in a bundle's event stream.
type EventType string

const (
	EventInitiated EventType = "Initiated"
	EventValidated EventType = "Validated"
	EventSigned    EventType = "Signed"

	EventMainBroadcastRetry EventType = "MainBroadcastRetry"
	EventFeeBroadcastRetry  EventType = "FeeBroadcastRetry"
	EventMainBroadcasted    EventType = "MainBroadcasted"
	EventFeeBroadcasted     EventType = "FeeBroadcasted"
	EventMainConfirmed      EventType = "MainConfirmed"
	EventFeeConfirmed       EventType = "FeeConfirmed"
	EventMainFinalized      EventType = "MainFinalized"
	EventFeeFinalized       EventType = "FeeFinalized"
	EventMainFailed         EventType = "MainFailed"
	EventFeeFailed          EventType = "FeeFailed"

	EventCancelled     EventType = "Cancelled"
	EventNonceResynced EventType = "NonceResynced"
	EventError         EventType = "Error"
)

// TransactionEvent is an immutable fact appended to the event log. The
// ordered stream of a bundle's events is the sole source of truth for
// its current state: folding them from empty state reproduces the leg
// statuses and the derived bundle status.
type TransactionEvent struct {
	TransactionID string    `json:"transaction_id"`
	EventID       string    `json:"event_id"` // ULID; time-sortable tiebreak
	UserID        string    `json:"user_id"`
	EventType     EventType `json:"event_type"`
	Leg           *LegKind  `json:"leg,omitempty"`
	Detail        string    `json:"detail,omitempty"` // error text, retry reason
	Attempt       int       `json:"attempt,omitempty"`

	Snapshot  *TransactionBundle `json:"snapshot"`
	CreatedAt time.Time          `json:"created_at"`
}

// legEventTransitions maps leg-scoped event types to the leg status
// they establish. Retry events carry no transition; they are audit
// trail entries.
var legEventTransitions = map[EventType]struct {
	Leg    LegKind
	Status LegStatus
}{
	EventMainBroadcasted: {LegMain, LegPending},
	EventFeeBroadcasted:  {LegFee, LegPending},
	EventMainConfirmed:   {LegMain, LegConfirmed},
	EventFeeConfirmed:    {LegFee, LegConfirmed},
	EventMainFinalized:   {LegMain, LegFinalized},
	EventFeeFinalized:    {LegFee, LegFinalized},
	EventMainFailed:      {LegMain, LegFailed},
	EventFeeFailed:       {LegFee, LegFailed},
}

// Transition returns the leg transition implied by the event type, if
// any. Signed and Cancelled apply to both legs and are handled by the
// state machine directly.
func (e EventType) Transition() (LegKind, LegStatus, bool) {
	t, ok := legEventTransitions[e]
	return t.Leg, t.Status, ok
}

// LegKindPtr is a convenience for building events.
func LegKindPtr(k LegKind) *LegKind { return &k }
