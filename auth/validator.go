package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/jwtgate/keystore"
	"github.com/golang-jwt/jwt/v5"
)

// LevelTrace sits below slog.LevelDebug. The validator logs key ids and
// decoded claims at this level only; it never logs the raw token or key
// material at any level.
const LevelTrace = slog.LevelDebug - 4

// Validator decides whether a bearer token is acceptable under a Policy and a
// key store. It holds no mutable state and is safe for concurrent use; build
// one at startup and share it.
type Validator struct {
	store  *keystore.Store
	policy Policy
	parser *jwt.Parser
	log    *slog.Logger
	now    func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger used for trace diagnostics. If not provided,
// logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.log = l }
}

// WithClock overrides the time source used for exp and nbf checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New builds a Validator over store enforcing policy.
func New(store *keystore.Store, policy Policy, opts ...Option) (*Validator, error) {
	if store == nil {
		return nil, errors.New("auth: key store is required")
	}
	p := policy.Copy()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	v := &Validator{
		store:  store,
		policy: p,
		log:    slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}

	popts := []jwt.ParserOption{
		jwt.WithValidMethods(p.Algorithms),
		jwt.WithLeeway(p.Leeway),
		jwt.WithTimeFunc(v.now),
	}
	if p.RequireExpiry {
		popts = append(popts, jwt.WithExpirationRequired())
	}
	if p.Issuer != "" {
		popts = append(popts, jwt.WithIssuer(p.Issuer))
	}
	if p.Audience != "" {
		popts = append(popts, jwt.WithAudience(p.Audience))
	}
	v.parser = jwt.NewParser(popts...)

	return v, nil
}

// Validate is the one-shot form of New followed by (*Validator).Validate.
// Construction errors are returned unwrapped; they are not rejections.
func Validate(store *keystore.Store, policy Policy, token string) (*Claims, error) {
	v, err := New(store, policy)
	if err != nil {
		return nil, err
	}
	return v.Validate(context.Background(), token)
}

// Policy returns a copy of the enforced policy.
func (v *Validator) Policy() Policy { return v.policy.Copy() }

// Validate runs the decision procedure on a raw compact token:
//
//  1. decode the header without verifying anything;
//  2. require a kid;
//  3. look the kid up in the key store;
//  4. verify the signature, restricted to the policy's algorithms;
//  5. check exp, nbf, iss and aud against the policy.
//
// Each step short-circuits with a *RejectionError whose Reason identifies the
// failing step. ctx is used only to correlate log records.
func (v *Validator) Validate(ctx context.Context, token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, v.rejected(ctx, reject(ReasonMalformedToken, fmt.Errorf("token has %d segments; want 3", len(parts))))
	}

	kid, rerr := v.keyID(parts[0])
	if rerr != nil {
		return nil, v.rejected(ctx, rerr)
	}
	v.log.Log(ctx, LevelTrace, "auth.token.kid", slog.String("kid", kid))

	key, err := v.store.Lookup(kid)
	if err != nil {
		return nil, v.rejected(ctx, reject(ReasonUnknownKeyID, err))
	}

	claims := &Claims{}
	_, err = v.parser.ParseWithClaims(token, &claims.RegisteredClaims, func(t *jwt.Token) (any, error) {
		if key.Alg != "" && key.Alg != t.Method.Alg() {
			return nil, fmt.Errorf("key %q is restricted to %s, token uses %s", kid, key.Alg, t.Method.Alg())
		}
		return key.Public, nil
	})
	if err != nil {
		return nil, v.rejected(ctx, classify(err))
	}

	if v.policy.RequireNotBefore && claims.NotBefore == nil {
		return nil, v.rejected(ctx, reject(ReasonInvalidClaims, fmt.Errorf("%w: nbf", jwt.ErrTokenRequiredClaimMissing)))
	}

	raw, err := v.parser.DecodeSegment(parts[1])
	if err != nil {
		// Unreachable once ParseWithClaims accepted the token.
		return nil, v.rejected(ctx, reject(ReasonMalformedToken, err))
	}
	claims.raw = raw

	v.log.Log(ctx, LevelTrace, "auth.token.claims", slog.String("kid", kid), slog.Any("claims", claims))
	return claims, nil
}

// keyID decodes the header segment and extracts the kid.
func (v *Validator) keyID(seg string) (string, *RejectionError) {
	b, err := v.parser.DecodeSegment(seg)
	if err != nil {
		return "", reject(ReasonMalformedToken, fmt.Errorf("header: %w", err))
	}
	var hdr map[string]any
	if err := json.Unmarshal(b, &hdr); err != nil {
		return "", reject(ReasonMalformedToken, fmt.Errorf("header: %w", err))
	}
	if hdr == nil {
		return "", reject(ReasonMalformedToken, errors.New("header: not a JSON object"))
	}
	raw, ok := hdr["kid"]
	if !ok {
		return "", reject(ReasonMissingKeyID, nil)
	}
	kid, ok := raw.(string)
	if !ok {
		return "", reject(ReasonMalformedToken, errors.New("header: kid is not a string"))
	}
	if kid == "" {
		return "", reject(ReasonMissingKeyID, nil)
	}
	return kid, nil
}

// classify maps golang-jwt parse errors onto the rejection taxonomy. The
// parser verifies the signature before the claims, so a claims error implies
// the signature was good.
func classify(err error) *RejectionError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return reject(ReasonMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenInvalidClaims):
		return reject(ReasonInvalidClaims, err)
	}
	return reject(ReasonInvalidSignature, err)
}

func (v *Validator) rejected(ctx context.Context, re *RejectionError) error {
	v.log.Log(ctx, LevelTrace, "auth.token.rejected", slog.String("reason", re.Reason.String()), slog.String("err", re.Error()))
	return re
}
