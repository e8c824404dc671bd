package validation

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/payrail/payrail-api/internal/types"
)

// AuthValidator confirms the bearer token is valid, unexpired, and
// issued to the user named in the request.
type AuthValidator struct {
	secret []byte
}

// NewAuthValidator creates an AuthValidator with the HMAC signing key.
func NewAuthValidator(secret []byte) *AuthValidator {
	return &AuthValidator{secret: secret}
}

func (a *AuthValidator) Phase() Phase { return PhaseAuth }

type authClaims struct {
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	jwt.RegisteredClaims
}

func (a *AuthValidator) Validate(_ context.Context, req *types.InitiateRequest) Result {
	reject := func(reason string) Result {
		return Result{Phase: PhaseAuth, Passed: false, Reason: reason}
	}

	if req.BearerToken == "" {
		return reject("missing bearer token")
	}

	claims := &authClaims{}
	token, err := jwt.ParseWithClaims(req.BearerToken, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return reject("invalid or expired token")
	}

	if claims.Subject != req.UserID {
		return reject("token subject does not match request user")
	}
	if req.DeviceFingerprint != "" && claims.DeviceFingerprint != "" &&
		claims.DeviceFingerprint != req.DeviceFingerprint {
		return reject("device fingerprint mismatch")
	}

	return Result{Phase: PhaseAuth, Passed: true}
}
