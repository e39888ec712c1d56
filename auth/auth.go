package auth

import (
	"errors"
	"net/http"
)

// Sentinel errors identifying why a token was rejected. Errors returned by
// Validate match exactly one of these via errors.Is.
var (
	// ErrMalformedToken indicates the token is not a structurally valid
	// compact JWS (wrong segment count, bad base64url, bad JSON).
	ErrMalformedToken = errors.New("malformed token")
	// ErrMissingKeyID indicates the token header carries no "kid".
	ErrMissingKeyID = errors.New("token missing kid")
	// ErrUnknownKeyID indicates the "kid" names no key in the key store.
	ErrUnknownKeyID = errors.New("unknown kid")
	// ErrInvalidSignature indicates signature verification failed, including
	// a token algorithm outside the policy's pinned set.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrInvalidClaims indicates a valid signature over claims that fail the
	// time window, issuer or audience checks.
	ErrInvalidClaims = errors.New("invalid claims")
)

// Reason is the flat rejection taxonomy of the validator.
type Reason int

const (
	ReasonMalformedToken Reason = iota + 1
	ReasonMissingKeyID
	ReasonUnknownKeyID
	ReasonInvalidSignature
	ReasonInvalidClaims
)

func (r Reason) String() string {
	switch r {
	case ReasonMalformedToken:
		return "malformed_token"
	case ReasonMissingKeyID:
		return "missing_kid"
	case ReasonUnknownKeyID:
		return "unknown_kid"
	case ReasonInvalidSignature:
		return "invalid_signature"
	case ReasonInvalidClaims:
		return "invalid_claims"
	}
	return "unknown"
}

// Sentinel returns the package error matching the reason.
func (r Reason) Sentinel() error {
	switch r {
	case ReasonMalformedToken:
		return ErrMalformedToken
	case ReasonMissingKeyID:
		return ErrMissingKeyID
	case ReasonUnknownKeyID:
		return ErrUnknownKeyID
	case ReasonInvalidSignature:
		return ErrInvalidSignature
	case ReasonInvalidClaims:
		return ErrInvalidClaims
	}
	return nil
}

// Status maps the reason to the HTTP status a host should answer with:
// client errors for structurally unusable tokens, unauthorized otherwise.
func (r Reason) Status() int {
	switch r {
	case ReasonMalformedToken, ReasonMissingKeyID:
		return http.StatusBadRequest
	}
	return http.StatusUnauthorized
}

// RejectionError is returned by Validate for every rejected token. It unwraps
// to both the reason's sentinel and the underlying cause, if any.
type RejectionError struct {
	Reason Reason
	Err    error
}

func (e *RejectionError) Error() string {
	msg := "auth: " + e.Reason.Sentinel().Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RejectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason.Sentinel()}
	}
	return []error{e.Reason.Sentinel(), e.Err}
}

func reject(r Reason, cause error) *RejectionError {
	return &RejectionError{Reason: r, Err: cause}
}

// ReasonOf extracts the rejection reason from err. It reports false for nil
// errors and errors not produced by the validator.
func ReasonOf(err error) (Reason, bool) {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return 0, false
}
