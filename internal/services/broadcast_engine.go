package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/alert"
	"github.com/payrail/payrail-api/internal/chain"
	"github.com/payrail/payrail-api/internal/nonce"
	"github.com/payrail/payrail-api/internal/statemachine"
	"github.com/payrail/payrail-api/internal/types"
)

// OutcomeKind classifies a single broadcast attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
)

// BroadcastOutcome is the result of one submission attempt.
type BroadcastOutcome struct {
	Kind   OutcomeKind
	TxHash common.Hash
	Reason string
}

// BroadcastPolicy bounds the retry behavior of one leg kind.
type BroadcastPolicy struct {
	MaxAttempts int           // 0 = unbounded within the window
	Window      time.Duration // wall-clock budget
	Linear      bool          // fixed short interval vs exponential with jitter
	Interval    time.Duration // linear step or exponential initial interval
	MaxInterval time.Duration // exponential cap, ignored for linear
}

// DefaultMainPolicy gives the recipient leg a few quick attempts.
// Failing fast keeps the user-facing outcome prompt.
func DefaultMainPolicy() BroadcastPolicy {
	return BroadcastPolicy{
		MaxAttempts: 3,
		Window:      time.Minute,
		Linear:      true,
		Interval:    5 * time.Second,
	}
}

// DefaultFeePolicy keeps trying the platform's own leg for days. The
// money is owed to us, nobody is waiting on it, and RPC weather
// passes.
func DefaultFeePolicy() BroadcastPolicy {
	return BroadcastPolicy{
		MaxAttempts: 0,
		Window:      72 * time.Hour,
		Linear:      false,
		Interval:    10 * time.Second,
		MaxInterval: 30 * time.Minute,
	}
}

// BroadcastEngine submits signed legs to the chain with per-leg retry
// policy and records every attempt in the event log. The two legs are
// fully independent: a fee-leg failure never touches the main leg.
type BroadcastEngine struct {
	store      EventStore
	client     chain.Client
	nonces     *nonce.Manager
	alerter    alert.Alerter
	logger     *zap.Logger
	mainPolicy BroadcastPolicy
	feePolicy  BroadcastPolicy

	wg sync.WaitGroup
}

// NewBroadcastEngine wires the engine.
func NewBroadcastEngine(store EventStore, client chain.Client, nonces *nonce.Manager, alerter alert.Alerter, mainPolicy, feePolicy BroadcastPolicy, logger *zap.Logger) *BroadcastEngine {
	return &BroadcastEngine{
		store:      store,
		client:     client,
		nonces:     nonces,
		alerter:    alerter,
		logger:     logger,
		mainPolicy: mainPolicy,
		feePolicy:  feePolicy,
	}
}

// Process broadcasts a committed bundle. The main leg runs inline so
// its outcome lands quickly; the fee leg is handed to a background
// goroutine that persists its retries across the long window.
func (e *BroadcastEngine) Process(ctx context.Context, transactionID string) error {
	events, err := e.store.List(ctx, transactionID)
	if err != nil {
		return errors.Wrap(err, "failed to load transaction events")
	}
	bundle, err := statemachine.Fold(events)
	if err != nil {
		return err
	}

	if bundle.Main.Status == types.LegSigned {
		if err := e.runLeg(ctx, bundle, bundle.Main, e.mainPolicy); err != nil {
			return err
		}
	}

	// The fee leg proceeds regardless of the main leg's outcome only
	// when the main leg actually made it out; a failed main leg means
	// the payment failed and the platform takes no fee. On a replayed
	// stream the main leg may already be past Pending.
	mainOut := bundle.Main.Status == types.LegPending ||
		bundle.Main.Status == types.LegConfirmed ||
		bundle.Main.Status == types.LegFinalized
	if mainOut && bundle.Fee.Status == types.LegSigned {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.runLeg(ctx, bundle, bundle.Fee, e.feePolicy); err != nil {
				e.logger.Error("fee leg broadcast ended with error",
					zap.String("transaction_id", bundle.TransactionID),
					zap.Error(err))
			}
		}()
	}

	return nil
}

// Wait blocks until in-flight fee legs finish. Used on shutdown.
func (e *BroadcastEngine) Wait() { e.wg.Wait() }

// Sweep reprocesses bundles with an unbroadcast leg. Signed bundles
// recover commits whose queue enqueue was lost; Pending and
// MainConfirmed bundles recover fee legs whose retry window was cut
// short by a restart. Both recoveries replay from the durable event
// log.
func (e *BroadcastEngine) Sweep(ctx context.Context) error {
	var firstErr error
	for _, status := range []types.BundleStatus{
		types.BundleSigned,
		types.BundlePending,
		types.BundleMainConfirmed,
	} {
		heads, err := e.store.ListByBundleStatus(ctx, status)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "failed to list %s bundles", status)
			}
			continue
		}
		for _, head := range heads {
			if err := e.Process(ctx, head.TransactionID); err != nil {
				e.logger.Error("sweep failed to process bundle",
					zap.String("transaction_id", head.TransactionID),
					zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// runLeg drives one leg through its policy, appending a retry event
// per failed attempt and a terminal Broadcasted or Failed event.
func (e *BroadcastEngine) runLeg(ctx context.Context, bundle *types.TransactionBundle, leg *types.Leg, policy BroadcastPolicy) error {
	raw, err := hexutil.Decode(ensureHex(leg.SignedPayload))
	if err != nil {
		// Nothing was ever submitted; the nonce is cleanly reusable.
		return e.failLeg(ctx, bundle, leg, "signed payload is not valid hex", 0, false)
	}

	deadline := time.Now().Add(policy.Window)
	next := newIntervals(policy)
	attempt := 0

	for {
		attempt++
		outcome := e.attempt(ctx, raw)

		switch outcome.Kind {
		case OutcomeSuccess:
			leg.ChainTxHash = outcome.TxHash.Hex()
			return e.appendLegEvent(ctx, bundle, leg, broadcastedEvent(leg.Kind), "", attempt)

		case OutcomeFatal:
			e.logger.Warn("broadcast fatal",
				zap.String("transaction_id", bundle.TransactionID),
				zap.String("leg", string(leg.Kind)),
				zap.String("reason", outcome.Reason))
			return e.failLeg(ctx, bundle, leg, outcome.Reason, attempt, true)
		}

		// Retryable. Every failed attempt is its own event, the last
		// one included; exhaustion then adds the terminal event.
		if err := e.appendLegEvent(ctx, bundle, leg, retryEvent(leg.Kind), outcome.Reason, attempt); err != nil {
			return err
		}

		exhausted := (policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts) ||
			time.Now().After(deadline)
		if exhausted {
			return e.failLeg(ctx, bundle, leg, outcome.Reason, attempt, true)
		}

		wait := next()
		if remaining := time.Until(deadline); wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// attempt submits the leg's signed payload once and classifies the
// result.
func (e *BroadcastEngine) attempt(ctx context.Context, raw []byte) BroadcastOutcome {
	hash, err := e.client.SendRawTransaction(ctx, raw)
	if err != nil {
		return classify(err)
	}
	return BroadcastOutcome{Kind: OutcomeSuccess, TxHash: hash}
}

// classify sorts an RPC submission error into retryable transport
// weather versus fatal protocol rejections.
func classify(err error) BroadcastOutcome {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "already known"),
		strings.Contains(msg, "known transaction"):
		// The node has it; the watcher will pick up the receipt.
		return BroadcastOutcome{Kind: OutcomeRetryable, Reason: "transaction already in mempool"}

	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"):
		// The signed payload is immutable: every resubmission carries
		// the same nonce and gas caps, so neither rejection can clear.
		return BroadcastOutcome{Kind: OutcomeFatal, Reason: msg}

	case strings.Contains(msg, "insufficient funds"):
		return BroadcastOutcome{Kind: OutcomeFatal, Reason: msg}

	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "intrinsic gas too low"),
		strings.Contains(msg, "exceeds block gas limit"),
		strings.Contains(msg, "invalid sender"):
		return BroadcastOutcome{Kind: OutcomeFatal, Reason: msg}
	}

	// Timeouts, connection resets, 429s, node hiccups.
	return BroadcastOutcome{Kind: OutcomeRetryable, Reason: msg}
}

func (e *BroadcastEngine) failLeg(ctx context.Context, bundle *types.TransactionBundle, leg *types.Leg, reason string, attempt int, submitted bool) error {
	// Once the payload was submitted, whether any attempt reached the
	// network is unknowable, so the nonce is quarantined rather than
	// recycled. A payload that never left the process keeps its nonce
	// in the reusable pool.
	if leg.Nonce != nil {
		addr := common.HexToAddress(bundle.SenderAddress)
		if submitted {
			e.nonces.MarkAmbiguous(addr, *leg.Nonce)
		} else {
			e.nonces.Release(addr, *leg.Nonce)
		}
	}

	if err := e.appendLegEvent(ctx, bundle, leg, failedEvent(leg.Kind), reason, attempt); err != nil {
		return err
	}

	if leg.Kind == types.LegFee {
		mainOK := bundle.Main.Status == types.LegConfirmed ||
			bundle.Main.Status == types.LegFinalized ||
			bundle.Main.Status == types.LegPending
		if mainOK {
			e.alerter.FeeLegFailed(ctx, bundle.TransactionID, attempt, reason)
		}
	}
	return nil
}

func (e *BroadcastEngine) appendLegEvent(ctx context.Context, bundle *types.TransactionBundle, leg *types.Leg, eventType types.EventType, detail string, attempt int) error {
	event := &types.TransactionEvent{
		TransactionID: bundle.TransactionID,
		UserID:        bundle.UserID,
		EventType:     eventType,
		Leg:           types.LegKindPtr(leg.Kind),
		Detail:        detail,
		Attempt:       attempt,
		Snapshot:      bundle.Clone(),
	}
	if err := statemachine.Apply(bundle, event); err != nil {
		return err
	}
	event.Snapshot = bundle.Clone()
	if _, err := e.store.Append(ctx, event); err != nil {
		return errors.Wrapf(err, "failed to record %s event", eventType)
	}
	return nil
}

// newIntervals returns the policy's wait sequence: a fixed step for
// linear, or backoff/v4's jittered exponential for the long window.
func newIntervals(policy BroadcastPolicy) func() time.Duration {
	if policy.Linear {
		return func() time.Duration { return policy.Interval }
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.Interval
	exp.MaxInterval = policy.MaxInterval
	exp.MaxElapsedTime = policy.Window
	return func() time.Duration {
		d := exp.NextBackOff()
		if d == backoff.Stop {
			return policy.MaxInterval
		}
		return d
	}
}

func broadcastedEvent(kind types.LegKind) types.EventType {
	if kind == types.LegFee {
		return types.EventFeeBroadcasted
	}
	return types.EventMainBroadcasted
}

func retryEvent(kind types.LegKind) types.EventType {
	if kind == types.LegFee {
		return types.EventFeeBroadcastRetry
	}
	return types.EventMainBroadcastRetry
}

func failedEvent(kind types.LegKind) types.EventType {
	if kind == types.LegFee {
		return types.EventFeeFailed
	}
	return types.EventMainFailed
}

func ensureHex(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
