package validation

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/types"
)

func validRequest() *types.InitiateRequest {
	return &types.InitiateRequest{
		SenderAddress:    "0x1111111111111111111111111111111111111111",
		RecipientAddress: "0x2222222222222222222222222222222222222222",
		FiatAmountMinor:  5000,
		FiatCurrency:     "GBP",
		TokenType:        types.TokenETH,
		WeiAmount:        "1000000000000000",
		UserID:           "user-1",
	}
}

type stubValidator struct {
	phase  Phase
	result Result
	delay  time.Duration
}

func (s stubValidator) Phase() Phase { return s.phase }

func (s stubValidator) Validate(ctx context.Context, _ *types.InitiateRequest) Result {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	return s.result
}

func pass(phase Phase) stubValidator {
	return stubValidator{phase: phase, result: Result{Phase: phase, Passed: true}}
}

func failWith(phase Phase, reason string) stubValidator {
	return stubValidator{phase: phase, result: Result{Phase: phase, Passed: false, Reason: reason}}
}

func TestSchemaFailureShortCircuits(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(req *types.InitiateRequest)
	}{
		{"missing user", func(r *types.InitiateRequest) { r.UserID = "" }},
		{"bad sender address", func(r *types.InitiateRequest) { r.SenderAddress = "not-an-address" }},
		{"bad recipient address", func(r *types.InitiateRequest) { r.RecipientAddress = "0x123" }},
		{"self payment", func(r *types.InitiateRequest) { r.RecipientAddress = r.SenderAddress }},
		{"zero amount", func(r *types.InitiateRequest) { r.FiatAmountMinor = 0 }},
		{"negative amount", func(r *types.InitiateRequest) { r.FiatAmountMinor = -100 }},
		{"absurd amount", func(r *types.InitiateRequest) { r.FiatAmountMinor = 1 << 40 }},
		{"unknown currency", func(r *types.InitiateRequest) { r.FiatCurrency = "XYZ" }},
		{"unknown token", func(r *types.InitiateRequest) { r.TokenType = "DOGE" }},
		{"non-numeric wei echo", func(r *types.InitiateRequest) { r.WeiAmount = "lots" }},
	}

	// Phase-2 validators must never run on a schema failure.
	poison := stubValidator{phase: PhaseAuth, result: Result{Phase: PhaseAuth, Passed: true}, delay: time.Hour}
	p := NewPipeline([]Validator{poison}, 50*time.Millisecond, zap.NewNop())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)

			start := time.Now()
			outcome := p.Validate(context.Background(), req)
			assert.False(t, outcome.Passed)
			require.Len(t, outcome.Results, 1)
			assert.Equal(t, PhaseSchema, outcome.Results[0].Phase)
			assert.Less(t, time.Since(start), 40*time.Millisecond)
		})
	}
}

func TestAllPhasesPass(t *testing.T) {
	p := NewPipeline([]Validator{
		pass(PhaseAuth), pass(PhaseBusinessRules), pass(PhaseChainState), pass(PhaseFraud),
	}, time.Second, zap.NewNop())

	outcome := p.Validate(context.Background(), validRequest())
	assert.True(t, outcome.Passed)
	assert.Len(t, outcome.Results, 4)
}

func TestAggregationKeepsEveryReason(t *testing.T) {
	p := NewPipeline([]Validator{
		pass(PhaseAuth),
		failWith(PhaseBusinessRules, "over daily cap"),
		pass(PhaseChainState),
		failWith(PhaseFraud, "sender address is blocked"),
	}, time.Second, zap.NewNop())

	outcome := p.Validate(context.Background(), validRequest())
	assert.False(t, outcome.Passed)
	assert.Len(t, outcome.Results, 4)
	assert.Contains(t, outcome.Reasons(), "over daily cap")
	assert.Contains(t, outcome.Reasons(), "sender address is blocked")
}

func TestSlowPhaseBecomesTimeoutFailure(t *testing.T) {
	slow := stubValidator{
		phase:  PhaseChainState,
		result: Result{Phase: PhaseChainState, Passed: true},
		delay:  500 * time.Millisecond,
	}
	p := NewPipeline([]Validator{pass(PhaseAuth), slow}, 20*time.Millisecond, zap.NewNop())

	outcome := p.Validate(context.Background(), validRequest())
	assert.False(t, outcome.Passed)

	var chainResult *Result
	for i := range outcome.Results {
		if outcome.Results[i].Phase == PhaseChainState {
			chainResult = &outcome.Results[i]
		}
	}
	require.NotNil(t, chainResult)
	assert.False(t, chainResult.Passed)
	assert.Equal(t, "timeout", chainResult.Reason)
}

func TestAuthValidator(t *testing.T) {
	secret := []byte("test-secret")
	v := NewAuthValidator(secret)

	makeToken := func(subject string, expiry time.Time, fingerprint string) string {
		claims := authClaims{
			DeviceFingerprint: fingerprint,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   subject,
				ExpiresAt: jwt.NewNumericDate(expiry),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		require.NoError(t, err)
		return token
	}

	t.Run("valid token passes", func(t *testing.T) {
		req := validRequest()
		req.BearerToken = makeToken("user-1", time.Now().Add(time.Hour), "")
		assert.True(t, v.Validate(context.Background(), req).Passed)
	})

	t.Run("expired token fails", func(t *testing.T) {
		req := validRequest()
		req.BearerToken = makeToken("user-1", time.Now().Add(-time.Hour), "")
		assert.False(t, v.Validate(context.Background(), req).Passed)
	})

	t.Run("subject mismatch fails", func(t *testing.T) {
		req := validRequest()
		req.BearerToken = makeToken("someone-else", time.Now().Add(time.Hour), "")
		assert.False(t, v.Validate(context.Background(), req).Passed)
	})

	t.Run("fingerprint mismatch fails", func(t *testing.T) {
		req := validRequest()
		req.DeviceFingerprint = "device-b"
		req.BearerToken = makeToken("user-1", time.Now().Add(time.Hour), "device-a")
		assert.False(t, v.Validate(context.Background(), req).Passed)
	})

	t.Run("missing token fails", func(t *testing.T) {
		req := validRequest()
		assert.False(t, v.Validate(context.Background(), req).Passed)
	})
}

func TestFraudValidatorBlacklist(t *testing.T) {
	v := NewFraudValidator(nil, 80, []string{"0x2222222222222222222222222222222222222222"})

	req := validRequest()
	result := v.Validate(context.Background(), req)
	assert.False(t, result.Passed)

	// Case-insensitive match.
	req.RecipientAddress = "0x3333333333333333333333333333333333333333"
	assert.True(t, v.Validate(context.Background(), req).Passed)

	v.Blacklist("0x3333333333333333333333333333333333333333")
	assert.False(t, v.Validate(context.Background(), req).Passed)
}

type stubSpend struct {
	total int64
	err   error
}

func (s stubSpend) SpendSince(context.Context, string, time.Time) (int64, error) {
	return s.total, s.err
}

func TestBusinessRulesLimits(t *testing.T) {
	limits := Limits{PerTransactionMinor: 10_000, DailyMinor: 50_000}

	t.Run("within limits passes", func(t *testing.T) {
		v := NewBusinessRulesValidator(stubSpend{total: 0}, limits, zap.NewNop())
		assert.True(t, v.Validate(context.Background(), validRequest()).Passed)
	})

	t.Run("per-transaction cap", func(t *testing.T) {
		v := NewBusinessRulesValidator(stubSpend{}, limits, zap.NewNop())
		req := validRequest()
		req.FiatAmountMinor = 10_001
		assert.False(t, v.Validate(context.Background(), req).Passed)
	})

	t.Run("rolling window cap", func(t *testing.T) {
		v := NewBusinessRulesValidator(stubSpend{total: 48_000}, limits, zap.NewNop())
		req := validRequest()
		req.FiatAmountMinor = 5_000
		assert.False(t, v.Validate(context.Background(), req).Passed)
	})
}
