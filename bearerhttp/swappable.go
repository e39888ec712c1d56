package bearerhttp

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ggoodman/jwtgate/auth"
)

// ErrNoValidator is returned by a Swappable that was never given a validator.
var ErrNoValidator = errors.New("bearerhttp: no validator installed")

// Swappable is a Validator whose underlying *auth.Validator can be replaced
// while requests are in flight, e.g. after the key set is reloaded. Each
// call to Validate runs entirely against one validator.
type Swappable struct {
	cur atomic.Pointer[auth.Validator]
}

// NewSwappable returns a Swappable initially delegating to v.
func NewSwappable(v *auth.Validator) *Swappable {
	s := &Swappable{}
	s.cur.Store(v)
	return s
}

// Store installs v for subsequent calls.
func (s *Swappable) Store(v *auth.Validator) { s.cur.Store(v) }

// Load returns the validator currently installed.
func (s *Swappable) Load() *auth.Validator { return s.cur.Load() }

// Validate delegates to the validator installed at the time of the call. It
// returns ErrNoValidator if none was ever installed.
func (s *Swappable) Validate(ctx context.Context, token string) (*auth.Claims, error) {
	v := s.cur.Load()
	if v == nil {
		return nil, ErrNoValidator
	}
	return v.Validate(ctx, token)
}
