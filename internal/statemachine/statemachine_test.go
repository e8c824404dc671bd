package statemachine

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payrail/payrail-api/internal/types"
)

func testBundle() *types.TransactionBundle {
	mainNonce, feeNonce := uint64(7), uint64(8)
	return &types.TransactionBundle{
		TransactionID:    "tx-1",
		UserID:           "user-1",
		SenderAddress:    "0x1111111111111111111111111111111111111111",
		RecipientAddress: "0x2222222222222222222222222222222222222222",
		FeeWalletAddress: "0x3333333333333333333333333333333333333333",
		TokenType:        types.TokenETH,
		ChainID:          11155420,
		FiatAmountMinor:  5000,
		FiatCurrency:     "GBP",
		WeiAmount:        big.NewInt(1_000_000_000_000_000),
		ServiceFeeWei:    big.NewInt(2_500_000_000_000),
		NetworkFeeWei:    big.NewInt(42_000_000_000_000),
		CreatedAt:        time.Now().UTC(),
		Main:             &types.Leg{Kind: types.LegMain, Status: types.LegCreated, Nonce: &mainNonce},
		Fee:              &types.Leg{Kind: types.LegFee, Status: types.LegCreated, Nonce: &feeNonce},
	}
}

// event builds a minimal persisted event with deterministic ordering.
func event(seq int, eventType types.EventType, snapshot *types.TransactionBundle) types.TransactionEvent {
	return types.TransactionEvent{
		TransactionID: "tx-1",
		EventID:       fmt.Sprintf("01ARZ3NDEKTSV4RRFFQ69G5F%02d", seq),
		EventType:     eventType,
		Snapshot:      snapshot,
		CreatedAt:     time.Unix(1_700_000_000, int64(seq)*1e6).UTC(),
	}
}

func TestApplyRejectsBackwardMove(t *testing.T) {
	bundle := testBundle()
	bundle.Main.Status = types.LegConfirmed
	bundle.Fee.Status = types.LegConfirmed

	ev := event(1, types.EventMainBroadcasted, nil)
	err := Apply(bundle, &ev)

	require.ErrorIs(t, err, ErrStateConflict)
	// A conflict must not mutate state.
	assert.Equal(t, types.LegConfirmed, bundle.Main.Status)
}

func TestApplySignedCopiesPayloads(t *testing.T) {
	bundle := testBundle()

	snap := bundle.Clone()
	snap.Main.SignedPayload = "0xaaaa"
	snap.Fee.SignedPayload = "0xbbbb"
	ev := event(1, types.EventSigned, snap)

	require.NoError(t, Apply(bundle, &ev))
	assert.Equal(t, types.LegSigned, bundle.Main.Status)
	assert.Equal(t, types.LegSigned, bundle.Fee.Status)
	assert.Equal(t, "0xaaaa", bundle.Main.SignedPayload)
	assert.Equal(t, "0xbbbb", bundle.Fee.SignedPayload)
}

func happyPathEvents() []types.TransactionEvent {
	base := testBundle()

	signed := base.Clone()
	signed.Main.SignedPayload = "0xaaaa"
	signed.Fee.SignedPayload = "0xbbbb"

	mainOut := signed.Clone()
	mainOut.Main.ChainTxHash = "0xhash-main"
	feeOut := mainOut.Clone()
	feeOut.Fee.ChainTxHash = "0xhash-fee"

	mainConf := feeOut.Clone()
	mainConf.Main.BlockNumber = 100
	feeConf := mainConf.Clone()
	feeConf.Fee.BlockNumber = 101

	return []types.TransactionEvent{
		event(1, types.EventInitiated, base),
		event(2, types.EventValidated, base),
		event(3, types.EventSigned, signed),
		event(4, types.EventMainBroadcasted, mainOut),
		event(5, types.EventFeeBroadcasted, feeOut),
		event(6, types.EventMainConfirmed, mainConf),
		event(7, types.EventFeeConfirmed, feeConf),
	}
}

func TestFoldHappyPath(t *testing.T) {
	bundle, err := Fold(happyPathEvents())
	require.NoError(t, err)

	assert.Equal(t, types.LegConfirmed, bundle.Main.Status)
	assert.Equal(t, types.LegConfirmed, bundle.Fee.Status)
	assert.Equal(t, "0xhash-main", bundle.Main.ChainTxHash)
	assert.Equal(t, "0xhash-fee", bundle.Fee.ChainTxHash)
	assert.Equal(t, uint64(100), bundle.Main.BlockNumber)

	status, feeFailed := bundle.Status()
	assert.Equal(t, types.BundleCompleted, status)
	assert.False(t, feeFailed)
}

func TestFoldIsDeterministicRegardlessOfInputOrder(t *testing.T) {
	events := happyPathEvents()

	// Reverse the slice; Fold must re-sort by (created_at, event_id).
	reversed := make([]types.TransactionEvent, len(events))
	for i, ev := range events {
		reversed[len(events)-1-i] = ev
	}

	a, err := Fold(events)
	require.NoError(t, err)
	b, err := Fold(reversed)
	require.NoError(t, err)

	assert.Equal(t, a.Main.Status, b.Main.Status)
	assert.Equal(t, a.Fee.Status, b.Fee.Status)
	assert.Equal(t, a.Main.ChainTxHash, b.Main.ChainTxHash)
}

func TestFoldReplayIsIdempotent(t *testing.T) {
	events := happyPathEvents()

	// Duplicate the broadcast event; the replayed copy conflicts and
	// must be skipped without corrupting state.
	dup := events[3]
	dup.EventID = "01ARZ3NDEKTSV4RRFFQ69G5F99"
	dup.CreatedAt = events[len(events)-1].CreatedAt.Add(time.Second)
	withDup := append(append([]types.TransactionEvent{}, events...), dup)

	bundle, err := Fold(withDup)
	require.NoError(t, err)
	assert.Equal(t, types.LegConfirmed, bundle.Main.Status)
}

func TestFoldFeeFailureAfterMainConfirmed(t *testing.T) {
	events := happyPathEvents()[:6] // through MainConfirmed
	failed := events[5].Snapshot.Clone()
	ev := event(8, types.EventFeeFailed, failed)
	ev.Detail = "retry window exhausted"
	events = append(events, ev)

	bundle, err := Fold(events)
	require.NoError(t, err)

	assert.Equal(t, types.LegConfirmed, bundle.Main.Status)
	assert.Equal(t, types.LegFailed, bundle.Fee.Status)
	assert.Equal(t, "retry window exhausted", bundle.Fee.LastError)

	status, feeFailed := bundle.Status()
	assert.Equal(t, types.BundleFailed, status)
	assert.True(t, feeFailed)
}

func TestFoldRequiresInitiation(t *testing.T) {
	events := happyPathEvents()[1:]
	_, err := Fold(events)
	require.Error(t, err)
}

func TestFoldEmptyStream(t *testing.T) {
	_, err := Fold(nil)
	require.Error(t, err)
}

func TestRetryEventsTouchOnlyCounters(t *testing.T) {
	bundle := testBundle()
	bundle.Main.Status = types.LegSigned
	bundle.Fee.Status = types.LegSigned

	ev := event(1, types.EventMainBroadcastRetry, nil)
	ev.Attempt = 2
	ev.Detail = "connection reset"

	require.NoError(t, Apply(bundle, &ev))
	assert.Equal(t, types.LegSigned, bundle.Main.Status)
	assert.Equal(t, 2, bundle.Main.RetryCount)
	assert.Equal(t, "connection reset", bundle.Main.LastError)
}
