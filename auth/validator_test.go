package auth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/jwtgate/keystore"
	"github.com/golang-jwt/jwt/v5"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time { return fixedNow }

func genRSA(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	return pk
}

func signToken(t *testing.T, method jwt.SigningMethod, key any, kid any, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != nil {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func seg(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func basePolicy() Policy {
	p := DefaultPolicy()
	p.Leeway = 0
	return p
}

func mustValidator(t *testing.T, store *keystore.Store, p Policy, opts ...Option) *Validator {
	t.Helper()
	v, err := New(store, p, append([]Option{WithClock(fixedClock)}, opts...)...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return v
}

func assertReason(t *testing.T, err error, want Reason) {
	t.Helper()
	if err == nil {
		t.Fatalf("want %s rejection, got nil error", want)
	}
	got, ok := ReasonOf(err)
	if !ok {
		t.Fatalf("want *RejectionError, got %T: %v", err, err)
	}
	if got != want {
		t.Fatalf("want reason %s, got %s (%v)", want, got, err)
	}
	if !errors.Is(err, want.Sentinel()) {
		t.Fatalf("error %v does not match sentinel %v", err, want.Sentinel())
	}
}

func TestValidate_AcceptsSignedToken(t *testing.T) {
	pk := genRSA(t)
	store := keystore.New(map[string]keystore.Key{"0": {Public: &pk.PublicKey}})

	exp := time.Now().Add(time.Hour).Unix()
	tok := signToken(t, jwt.SigningMethodRS256, pk, "0", jwt.MapClaims{
		"exp": exp,
		"nbf": 0,
		"iss": "",
	})

	claims, err := Validate(store, basePolicy(), tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.ExpiresAt == nil || claims.ExpiresAt.Unix() != exp {
		t.Fatalf("exp mismatch: %v", claims.ExpiresAt)
	}
	if claims.NotBefore == nil || claims.NotBefore.Unix() != 0 {
		t.Fatalf("nbf mismatch: %v", claims.NotBefore)
	}
	if claims.Issuer != "" {
		t.Fatalf("iss mismatch: %q", claims.Issuer)
	}
}

func TestValidate_PrivateClaims(t *testing.T) {
	pk := genRSA(t)
	store := keystore.New(map[string]keystore.Key{"0": {Public: &pk.PublicKey}})
	v := mustValidator(t, store, basePolicy())

	tok := signToken(t, jwt.SigningMethodRS256, pk, "0", jwt.MapClaims{
		"exp":   fixedNow.Add(time.Hour).Unix(),
		"sub":   "user-123",
		"scope": "read write",
	})
	claims, err := v.Validate(context.Background(), tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "user-123" {
		t.Fatalf("want sub user-123, got %q", claims.Subject)
	}
	var out struct {
		Scope string `json:"scope"`
	}
	if err := claims.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Scope != "read write" {
		t.Fatalf("scope roundtrip mismatch: %q", out.Scope)
	}
}

func TestValidate_UnknownKeyID(t *testing.T) {
	pk := genRSA(t)
	store := keystore.New(map[string]keystore.Key{"0": {Public: &pk.PublicKey}})
	v := mustValidator(t, store, basePolicy())

	// Correctly signed, but under a kid the store does not know.
	tok := signToken(t, jwt.SigningMethodRS256, pk, "99", jwt.MapClaims{"exp": fixedNow.Add(time.Hour).Unix()})
	_, err := v.Validate(context.Background(), tok)
	assertReason(t, err, ReasonUnknownKeyID)
	if !errors.Is(err, keystore.ErrNotFound) {
		t.Fatalf("want cause keystore.ErrNotFound, got %v", err)
	}
}

func TestValidate_WrongKey(t *testing.T) {
	stored := genRSA(t)
	other := genRSA(t)
	store := keystore.New(map[string]keystore.Key{"0": {Public: &stored.PublicKey}})
	v := mustValidator(t, store, basePolicy())

	tok := signToken(t, jwt.SigningMethodRS256, other, "0", jwt.MapClaims{"exp": fixedNow.Add(time.Hour).Unix()})
	_, err := v.Validate(context.Background(), tok)
	assertReason(t, err, ReasonInvalidSignature)
}

func TestValidate_TimeClaims(t *testing.T) {
	pk := genRSA(t)
	store := keystore.New(map[string]keystore.Key{"0": {Public: &pk.PublicKey}})

	tests := []struct {
		name   string
		leeway time.Duration
		claims jwt.MapClaims
		want   Reason // zero means accepted
	}{
		{
			name:   "expired",
			claims: jwt.MapClaims{"exp": fixedNow.Add(-time.Minute).Unix()},
			want:   ReasonInvalidClaims,
		},
		{
			name:   "expires exactly now",
			claims: jwt.MapClaims{"exp": fixedNow.Unix()},
			want:   ReasonInvalidClaims,
		},
		{
			name:   "expired within leeway",
			leeway: 2 * time.Minute,
			claims: jwt.MapClaims{"exp": fixedNow.Add(-time.Minute).Unix()},
		},
		{
			name:   "expired beyond leeway",
			leeway: 30 * time.Second,
			claims: jwt.MapClaims{"exp": fixedNow.Add(-time.Minute).Unix()},
			want:   ReasonInvalidClaims,
		},
		{
			name:   "not yet valid",
			claims: jwt.MapClaims{"exp": fixedNow.Add(time.Hour).Unix(), "nbf": fixedNow.Add(time.Minute).Unix()},
			want:   ReasonInvalidClaims,
		},
		{
			name:   "not yet valid within leeway",
			leeway: 2 * time.Minute,
			claims: jwt.MapClaims{"exp": fixedNow.Add(time.Hour).Unix(), "nbf": fixedNow.Add(time.Minute).Unix()},
		},
		{
			name:   "nbf exactly now",
			claims: jwt.MapClaims{"exp": fixedNow.Add(time.Hour).Unix(), "nbf": fixedNow.Unix()},
		},
		{
			name:   "missing exp",
			claims: jwt.MapClaims{"iss": "x"},
			want:   ReasonInvalidClaims,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := basePolicy()
			p.Leeway = tt.leeway
			v := mustValidator(t, store, p)
			tok := signToken(t, jwt.SigningMethodRS256, pk, "0", tt.claims)
			_, err := v.Validate(context.Background(), tok)
			if tt.want == 0 {
				if err != nil {
					t.Fatalf("want accepted, got %v", err)
				}
				return
			}
			assertReason(t, err, tt.want)
		})
	}
}

func TestValidate_OptionalTimeClaims(t *testing.T) {
	pk := genRSA(t)
	store := keystore.New(map[string]keystore.Key{"0": {Public: &pk.PublicKey}})

	p := basePolicy()
	p.RequireExpiry = false
	v := mustValidator(t, store, p)
	tok := signToken(t, jwt.SigningMethodRS256, pk, "0", jwt.MapClaims{"iss": "x"})
	if _, err := v.Validate(context.Background(), tok); err != nil {
		t.Fatalf("exp not required: want accepted, got %v", err)
	}

	p.RequireNotBefore = true
	v = mustValidator(t, store, p)
	_, err := v.Validate(context.Background(), tok)
	assertReason(t, err, ReasonInvalidClaims)
	if !errors.Is(err, jwt.ErrTokenRequiredClaimMissing) {
		t.Fatalf("want ErrTokenRequiredClaimMissing cause, got %v", err)
	}
}

func TestValidate_Issuer(t *testing.T) {
	pk := genRSA(t)
	store := keystore.New(map[string]keystore.Key{"0": {Public: &pk.PublicKey}})
	exp := fixedNow.Add(time.Hour).Unix()

	p := basePolicy()
	p.Issuer = "https://issuer.example"
	v := mustValidator(t, store, p)

	good := signToken(t, jwt.SigningMethodRS256, pk, "0", jwt.MapClaims{"exp": exp, "iss": "https://issuer.example"})
	if _, err := v.Validate(context.Background(), good); err != nil {
		t.Fatalf("matching issuer: %v", err)
	}

	for _, iss := range []string{"https://evil.example", "https://issuer.example/", "HTTPS://ISSUER.EXAMPLE", ""} {
		bad := signToken(t, jwt.SigningMethodRS256, pk, "0", jwt.MapClaims{"exp": exp, "iss": iss})
		_, err := v.Validate(context.Background(), bad)
		assertReason(t, err, ReasonInvalidClaims)
	}

	// An empty policy issuer disables the check.
	open := mustValidator(t, store, basePolicy())
	tok := signToken(t, jwt.SigningMethodRS256, pk, "0", jwt.MapClaims{"exp": exp, "iss": "https://whoever.example"})
	if _, err := open.Validate(context.Background(), tok); err != nil {
		t.Fatalf("issuer unchecked: %v", err)
	}
}

func TestValidate_Audience(t *testing.T) {
	pk := genRSA(t)
	store := keystore.New(map[string]keystore.Key{"0": {Public: &pk.PublicKey}})
	exp := fixedNow.Add(time.Hour).Unix()

	p := basePolicy()
	p.Audience = "https://api.example.com"
	v := mustValidator(t, store, p)

	ok := signToken(t, jwt.SigningMethodRS256, pk, "0", jwt.MapClaims{"exp": exp, "aud": []string{"https://other", "https://api.example.com"}})
	if _, err := v.Validate(context.Background(), ok); err != nil {
		t.Fatalf("audience array: %v", err)
	}
	bad := signToken(t, jwt.SigningMethodRS256, pk, "0", jwt.MapClaims{"exp": exp, "aud": "https://unknown"})
	_, err := v.Validate(context.Background(), bad)
	assertReason(t, err, ReasonInvalidClaims)
}

func TestValidate_KeyID(t *testing.T) {
	pk := genRSA(t)
	store := keystore.New(map[string]keystore.Key{"0": {Public: &pk.PublicKey}})
	v := mustValidator(t, store, basePolicy())
	claims := jwt.MapClaims{"exp": fixedNow.Add(time.Hour).Unix()}

	tests := []struct {
		name string
		kid  any
		want Reason
	}{
		{name: "absent", kid: nil, want: ReasonMissingKeyID},
		{name: "empty", kid: "", want: ReasonMissingKeyID},
		{name: "not a string", kid: 42, want: ReasonMalformedToken},
		{name: "near miss", kid: "0 ", want: ReasonUnknownKeyID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := signToken(t, jwt.SigningMethodRS256, pk, tt.kid, claims)
			_, err := v.Validate(context.Background(), tok)
			assertReason(t, err, tt.want)
		})
	}
}

func TestValidate_Malformed(t *testing.T) {
	pk := genRSA(t)
	store := keystore.New(map[string]keystore.Key{"0": {Public: &pk.PublicKey}})
	v := mustValidator(t, store, basePolicy())
	hdr := seg(`{"alg":"RS256","typ":"JWT","kid":"0"}`)

	tests := []struct {
		name string
		tok  string
	}{
		{name: "empty", tok: ""},
		{name: "one segment", tok: "abc"},
		{name: "two segments", tok: hdr + "." + seg(`{}`)},
		{name: "four segments", tok: hdr + "." + seg(`{}`) + ".sig.extra"},
		{name: "bad header base64", tok: "!!!." + seg(`{}`) + ".sig"},
		{name: "header not json", tok: seg("not json") + "." + seg(`{}`) + ".sig"},
		{name: "header null", tok: seg("null") + "." + seg(`{}`) + ".sig"},
		{name: "payload not json", tok: hdr + "." + seg("not json") + ".sig"},
		{name: "bad signature base64", tok: hdr + "." + seg(`{"exp":9999999999}`) + ".!!!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), tt.tok)
			assertReason(t, err, ReasonMalformedToken)
		})
	}
}

func TestValidate_AlgorithmPinning(t *testing.T) {
	pk := genRSA(t)
	claims := jwt.MapClaims{"exp": fixedNow.Add(time.Hour).Unix()}

	t.Run("hmac with public key bytes", func(t *testing.T) {
		der, err := x509.MarshalPKIXPublicKey(&pk.PublicKey)
		if err != nil {
			t.Fatalf("marshal pub: %v", err)
		}
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
		store := keystore.New(map[string]keystore.Key{"0": {Public: &pk.PublicKey}})
		v := mustValidator(t, store, basePolicy())

		tok := signToken(t, jwt.SigningMethodHS256, pemBytes, "0", claims)
		_, err = v.Validate(context.Background(), tok)
		assertReason(t, err, ReasonInvalidSignature)
	})

	t.Run("alg none", func(t *testing.T) {
		store := keystore.New(map[string]keystore.Key{"0": {Public: &pk.PublicKey}})
		v := mustValidator(t, store, basePolicy())

		tok := signToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, "0", claims)
		_, err := v.Validate(context.Background(), tok)
		assertReason(t, err, ReasonInvalidSignature)
	})

	t.Run("algorithm outside pinned set", func(t *testing.T) {
		store := keystore.New(map[string]keystore.Key{"0": {Public: &pk.PublicKey}})
		p := basePolicy()
		p.Algorithms = []string{"PS256"}
		v := mustValidator(t, store, p)

		tok := signToken(t, jwt.SigningMethodRS256, pk, "0", claims)
		_, err := v.Validate(context.Background(), tok)
		assertReason(t, err, ReasonInvalidSignature)
	})

	t.Run("tagged key used with another allowed algorithm", func(t *testing.T) {
		store := keystore.New(map[string]keystore.Key{"0": {Public: &pk.PublicKey, Alg: "RS256"}})
		p := basePolicy()
		p.Algorithms = []string{"RS256", "PS256"}
		v := mustValidator(t, store, p)

		tok := signToken(t, jwt.SigningMethodPS256, pk, "0", claims)
		_, err := v.Validate(context.Background(), tok)
		assertReason(t, err, ReasonInvalidSignature)

		ok := signToken(t, jwt.SigningMethodRS256, pk, "0", claims)
		if _, err := v.Validate(context.Background(), ok); err != nil {
			t.Fatalf("tagged key with its own alg: %v", err)
		}
	})

	t.Run("key type does not match algorithm", func(t *testing.T) {
		ek, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("gen ec key: %v", err)
		}
		store := keystore.New(map[string]keystore.Key{"0": {Public: &ek.PublicKey}})
		v := mustValidator(t, store, basePolicy())

		tok := signToken(t, jwt.SigningMethodRS256, pk, "0", claims)
		_, err = v.Validate(context.Background(), tok)
		assertReason(t, err, ReasonInvalidSignature)
	})
}

func TestValidate_ECDSA(t *testing.T) {
	ek, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("gen ec key: %v", err)
	}
	store := keystore.New(map[string]keystore.Key{"ec": {Public: &ek.PublicKey, Alg: "ES256"}})
	p := basePolicy()
	p.Algorithms = []string{"ES256"}
	v := mustValidator(t, store, p)

	tok := signToken(t, jwt.SigningMethodES256, ek, "ec", jwt.MapClaims{"exp": fixedNow.Add(time.Hour).Unix()})
	if _, err := v.Validate(context.Background(), tok); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate_Idempotent(t *testing.T) {
	pk := genRSA(t)
	store := keystore.New(map[string]keystore.Key{"0": {Public: &pk.PublicKey}})
	v := mustValidator(t, store, basePolicy())

	good := signToken(t, jwt.SigningMethodRS256, pk, "0", jwt.MapClaims{"exp": fixedNow.Add(time.Hour).Unix()})
	bad := signToken(t, jwt.SigningMethodRS256, pk, "99", jwt.MapClaims{"exp": fixedNow.Add(time.Hour).Unix()})

	for i := 0; i < 3; i++ {
		c, err := v.Validate(context.Background(), good)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if c.ExpiresAt.Unix() != fixedNow.Add(time.Hour).Unix() {
			t.Fatalf("run %d: exp drifted", i)
		}
		_, err = v.Validate(context.Background(), bad)
		assertReason(t, err, ReasonUnknownKeyID)
	}
}

func TestValidate_Concurrent(t *testing.T) {
	pk := genRSA(t)
	store := keystore.New(map[string]keystore.Key{"0": {Public: &pk.PublicKey}})
	v := mustValidator(t, store, basePolicy())

	good := signToken(t, jwt.SigningMethodRS256, pk, "0", jwt.MapClaims{"exp": fixedNow.Add(time.Hour).Unix()})
	expired := signToken(t, jwt.SigningMethodRS256, pk, "0", jwt.MapClaims{"exp": fixedNow.Add(-time.Hour).Unix()})

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if _, err := v.Validate(context.Background(), good); err != nil {
					errs <- err
				}
				return
			}
			if _, err := v.Validate(context.Background(), expired); !errors.Is(err, ErrInvalidClaims) {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected result: %v", err)
	}
}

func TestValidate_TraceLogsOmitToken(t *testing.T) {
	pk := genRSA(t)
	store := keystore.New(map[string]keystore.Key{"kid-in-logs": {Public: &pk.PublicKey}})

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: LevelTrace}))
	v := mustValidator(t, store, basePolicy(), WithLogger(log))

	tok := signToken(t, jwt.SigningMethodRS256, pk, "kid-in-logs", jwt.MapClaims{
		"exp":    fixedNow.Add(time.Hour).Unix(),
		"secret": "do-not-log",
	})
	if _, err := v.Validate(context.Background(), tok); err != nil {
		t.Fatalf("validate: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "kid-in-logs") {
		t.Fatalf("expected kid in trace logs, got %s", out)
	}
	sig := tok[strings.LastIndex(tok, ".")+1:]
	if strings.Contains(out, tok) || strings.Contains(out, sig) {
		t.Fatalf("raw token leaked into logs: %s", out)
	}
	if strings.Contains(out, "do-not-log") {
		t.Fatalf("private claim leaked into logs: %s", out)
	}
}

func TestNew_RejectsBadPolicy(t *testing.T) {
	store := keystore.New(nil)

	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{name: "no algorithms", mutate: func(p *Policy) { p.Algorithms = nil }},
		{name: "hmac", mutate: func(p *Policy) { p.Algorithms = []string{"HS256"} }},
		{name: "none", mutate: func(p *Policy) { p.Algorithms = []string{"none"} }},
		{name: "unknown", mutate: func(p *Policy) { p.Algorithms = []string{"RS999"} }},
		{name: "negative leeway", mutate: func(p *Policy) { p.Leeway = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			if _, err := New(store, p); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	if _, err := New(nil, DefaultPolicy()); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestNew_CopiesPolicy(t *testing.T) {
	p := DefaultPolicy()
	v, err := New(keystore.New(nil), p)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.Algorithms[0] = "ES256"
	if got := v.Policy().Algorithms[0]; got != "RS256" {
		t.Fatalf("validator observed caller mutation: %s", got)
	}
}

func TestReason_Status(t *testing.T) {
	tests := []struct {
		reason Reason
		want   int
	}{
		{ReasonMalformedToken, http.StatusBadRequest},
		{ReasonMissingKeyID, http.StatusBadRequest},
		{ReasonUnknownKeyID, http.StatusUnauthorized},
		{ReasonInvalidSignature, http.StatusUnauthorized},
		{ReasonInvalidClaims, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		if got := tt.reason.Status(); got != tt.want {
			t.Errorf("%s.Status() = %d, want %d", tt.reason, got, tt.want)
		}
	}
	if _, ok := ReasonOf(errors.New("other")); ok {
		t.Errorf("ReasonOf should not match foreign errors")
	}
}
