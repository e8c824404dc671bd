package validation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/payrail/payrail-api/internal/types"
)

// RiskScorer rates a request's fraud risk in [0, 100].
type RiskScorer interface {
	Score(ctx context.Context, req *types.InitiateRequest) (int, error)
}

// FraudValidator rejects blacklisted counterparties and requests whose
// risk score crosses the block threshold.
type FraudValidator struct {
	scorer    RiskScorer
	threshold int

	mu        sync.RWMutex
	blacklist map[string]bool
}

// NewFraudValidator creates the fraud validator. Addresses in the
// blacklist are compared case-insensitively.
func NewFraudValidator(scorer RiskScorer, threshold int, blacklist []string) *FraudValidator {
	set := make(map[string]bool, len(blacklist))
	for _, addr := range blacklist {
		set[strings.ToLower(addr)] = true
	}
	return &FraudValidator{scorer: scorer, threshold: threshold, blacklist: set}
}

func (f *FraudValidator) Phase() Phase { return PhaseFraud }

// Blacklist adds an address at runtime, e.g. from an ops action.
func (f *FraudValidator) Blacklist(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blacklist[strings.ToLower(addr)] = true
}

func (f *FraudValidator) blacklisted(addr string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.blacklist[strings.ToLower(addr)]
}

func (f *FraudValidator) Validate(ctx context.Context, req *types.InitiateRequest) Result {
	if f.blacklisted(req.SenderAddress) {
		return Result{Phase: PhaseFraud, Passed: false, Reason: "sender address is blocked"}
	}
	if f.blacklisted(req.RecipientAddress) {
		return Result{Phase: PhaseFraud, Passed: false, Reason: "recipient address is blocked"}
	}

	if f.scorer != nil {
		score, err := f.scorer.Score(ctx, req)
		if err != nil {
			return Result{
				Phase:  PhaseFraud,
				Passed: false,
				Reason: "risk scoring unavailable",
				Flags:  types.EstimateFlags(0).With(types.FlagInternalError),
			}
		}
		if score >= f.threshold {
			return Result{
				Phase:  PhaseFraud,
				Passed: false,
				Reason: fmt.Sprintf("risk score %d at or above threshold %d", score, f.threshold),
			}
		}
	}

	return Result{Phase: PhaseFraud, Passed: true}
}
