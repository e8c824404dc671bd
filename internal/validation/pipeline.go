// Package validation runs the pre-initiation checks on a payment
// request. Phase 1 is a fast synchronous shape check; phase 2 fans
// out to independent validators and joins their results with AND
// semantics, keeping every failure reason for diagnostics.
package validation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/types"
)

// Phase identifies which validator produced a result.
type Phase string

const (
	PhaseSchema        Phase = "schema"
	PhaseAuth          Phase = "auth"
	PhaseBusinessRules Phase = "business_rules"
	PhaseChainState    Phase = "chain_state"
	PhaseFraud         Phase = "fraud"
)

// Result is a single validator's verdict.
type Result struct {
	Phase  Phase
	Passed bool
	Reason string
	Flags  types.EstimateFlags
}

// Outcome is the joined verdict of the whole pipeline.
type Outcome struct {
	Passed  bool
	Results []Result
	Flags   types.EstimateFlags
}

// Reasons collects the failure reasons, one per failed phase.
func (o Outcome) Reasons() string {
	parts := make([]string, 0, len(o.Results))
	for _, r := range o.Results {
		if !r.Passed {
			parts = append(parts, fmt.Sprintf("%s: %s", r.Phase, r.Reason))
		}
	}
	return strings.Join(parts, "; ")
}

// Validator is one independent phase-2 check.
type Validator interface {
	Phase() Phase
	Validate(ctx context.Context, req *types.InitiateRequest) Result
}

// Pipeline runs schema checks then the concurrent validators.
type Pipeline struct {
	validators   []Validator
	phaseTimeout time.Duration
	logger       *zap.Logger
}

// NewPipeline builds a pipeline over the given validators. Each
// phase-2 validator gets phaseTimeout of wall clock; exceeding it is a
// failure for that phase, never a silent skip.
func NewPipeline(validators []Validator, phaseTimeout time.Duration, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		validators:   validators,
		phaseTimeout: phaseTimeout,
		logger:       logger,
	}
}

// Validate runs both phases. A schema failure short-circuits before
// any validator is started.
func (p *Pipeline) Validate(ctx context.Context, req *types.InitiateRequest) Outcome {
	if res := checkSchema(req); !res.Passed {
		return Outcome{Passed: false, Results: []Result{res}, Flags: res.Flags}
	}

	results := make([]Result, len(p.validators))
	var wg sync.WaitGroup
	for i, v := range p.validators {
		wg.Add(1)
		go func(i int, v Validator) {
			defer wg.Done()
			results[i] = p.runOne(ctx, v, req)
		}(i, v)
	}
	wg.Wait()

	outcome := Outcome{Passed: true}
	for _, r := range results {
		outcome.Results = append(outcome.Results, r)
		outcome.Flags |= r.Flags
		if !r.Passed {
			outcome.Passed = false
		}
	}
	if !outcome.Passed {
		p.logger.Info("validation rejected request",
			zap.String("user_id", req.UserID),
			zap.String("reasons", outcome.Reasons()))
	}
	return outcome
}

// runOne applies the per-phase timeout. The validator keeps running
// after a timeout but its result is discarded; the phase is recorded
// as failed.
func (p *Pipeline) runOne(ctx context.Context, v Validator, req *types.InitiateRequest) Result {
	phaseCtx, cancel := context.WithTimeout(ctx, p.phaseTimeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		done <- v.Validate(phaseCtx, req)
	}()

	select {
	case r := <-done:
		return r
	case <-phaseCtx.Done():
		return Result{
			Phase:  v.Phase(),
			Passed: false,
			Reason: "timeout",
			Flags:  types.EstimateFlags(0).With(types.FlagInternalError),
		}
	}
}
