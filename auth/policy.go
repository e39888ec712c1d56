package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Policy describes which tokens a Validator accepts. It is copied by New, so
// later changes to the caller's value have no effect on a built Validator.
type Policy struct {
	// Algorithms is the pinned set of JWS algorithms. The token header must
	// name one of them; it never widens the set. Only asymmetric algorithms
	// are accepted. Default: ["RS256"].
	Algorithms []string
	// Issuer, when non-empty, must equal the "iss" claim exactly.
	Issuer string
	// Audience, when non-empty, must be contained in the "aud" claim.
	Audience string
	// Leeway is the clock skew tolerated on exp and nbf.
	Leeway time.Duration
	// RequireExpiry rejects tokens without an "exp" claim.
	RequireExpiry bool
	// RequireNotBefore rejects tokens without an "nbf" claim.
	RequireNotBefore bool
}

// DefaultPolicy returns RS256 only, 60s leeway and a mandatory exp.
func DefaultPolicy() Policy {
	return Policy{
		Algorithms:    []string{"RS256"},
		Leeway:        60 * time.Second,
		RequireExpiry: true,
	}
}

// Copy returns a deep copy safe for mutation by the caller.
func (p Policy) Copy() Policy {
	dup := p
	dup.Algorithms = append([]string(nil), p.Algorithms...)
	return dup
}

// Validate returns an error if the policy cannot be enforced.
func (p Policy) Validate() error {
	if len(p.Algorithms) == 0 {
		return errors.New("auth: policy requires at least one algorithm")
	}
	for _, alg := range p.Algorithms {
		if !isAsymmetric(alg) {
			return fmt.Errorf("auth: unsupported algorithm %q", alg)
		}
	}
	if p.Leeway < 0 {
		return errors.New("auth: leeway must not be negative")
	}
	return nil
}

// isAsymmetric reports whether alg names a public key signature method known
// to golang-jwt. "none" and the HMAC family are excluded: the key store only
// holds public keys.
func isAsymmetric(alg string) bool {
	switch jwt.GetSigningMethod(alg).(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS, *jwt.SigningMethodECDSA, *jwt.SigningMethodEd25519:
		return true
	}
	return false
}
