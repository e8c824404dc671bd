package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveBundleStatus(t *testing.T) {
	tests := []struct {
		name          string
		main          LegStatus
		fee           LegStatus
		wantStatus    BundleStatus
		wantFeeFailed bool
	}{
		{"both created", LegCreated, LegCreated, BundleInitiated, false},
		{"both signed", LegSigned, LegSigned, BundleSigned, false},
		{"main pending", LegPending, LegSigned, BundlePending, false},
		{"main confirmed fee pending", LegConfirmed, LegPending, BundleMainConfirmed, false},
		{"main confirmed fee signed", LegConfirmed, LegSigned, BundleMainConfirmed, false},
		{"both confirmed", LegConfirmed, LegConfirmed, BundleCompleted, false},
		{"both finalized", LegFinalized, LegFinalized, BundleCompleted, false},
		{"main finalized fee confirmed", LegFinalized, LegConfirmed, BundleCompleted, false},
		{"main failed", LegFailed, LegSigned, BundleFailed, false},
		{"main failed fee also failed", LegFailed, LegFailed, BundleFailed, false},
		{"main confirmed fee failed", LegConfirmed, LegFailed, BundleFailed, true},
		{"main finalized fee failed", LegFinalized, LegFailed, BundleFailed, true},
		{"cancelled", LegCancelled, LegCancelled, BundleCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, feeFailed := DeriveBundleStatus(tt.main, tt.fee)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantFeeFailed, feeFailed)
		})
	}
}

func TestLegTransitionsAreForwardOnly(t *testing.T) {
	order := []LegStatus{LegCreated, LegSigned, LegPending, LegConfirmed, LegFinalized}

	// Each status can reach its successor and nothing earlier.
	for i, from := range order {
		for j, to := range order {
			got := from.CanTransitionTo(to)
			if j == i+1 {
				assert.True(t, got, "%s -> %s should be allowed", from, to)
			}
			if j <= i {
				assert.False(t, got, "%s -> %s should be rejected", from, to)
			}
		}
	}
}

func TestTerminalStatusesAcceptNothing(t *testing.T) {
	all := []LegStatus{LegCreated, LegSigned, LegPending, LegConfirmed, LegFinalized, LegFailed, LegCancelled}

	for _, terminal := range []LegStatus{LegFinalized, LegFailed, LegCancelled} {
		assert.True(t, terminal.Terminal())
		for _, next := range all {
			assert.False(t, terminal.CanTransitionTo(next), "%s -> %s", terminal, next)
		}
	}
}

func TestFailureBranchReachability(t *testing.T) {
	for _, from := range []LegStatus{LegCreated, LegSigned, LegPending} {
		assert.True(t, from.CanTransitionTo(LegFailed), "%s -> Failed", from)
		assert.True(t, from.CanTransitionTo(LegCancelled), "%s -> Cancelled", from)
	}
	assert.False(t, LegConfirmed.CanTransitionTo(LegFailed))
	assert.False(t, LegConfirmed.CanTransitionTo(LegCancelled))
}
