package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified payload of an accepted token. The registered claims
// (exp, nbf, iss, ...) are decoded eagerly; private claims can be read with
// Decode.
type Claims struct {
	jwt.RegisteredClaims

	raw json.RawMessage
}

// Decode unmarshals the full verified payload into ref.
func (c *Claims) Decode(ref any) error {
	if len(c.raw) == 0 {
		return errors.New("auth: no claims payload")
	}
	return json.Unmarshal(c.raw, ref)
}

// Raw returns a copy of the verified JSON payload.
func (c *Claims) Raw() json.RawMessage {
	return append(json.RawMessage(nil), c.raw...)
}

// LogValue renders the registered claims only, so logging a Claims value
// never includes private claim data.
func (c *Claims) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("iss", c.Issuer),
		slog.String("sub", c.Subject),
	}
	if c.ExpiresAt != nil {
		attrs = append(attrs, slog.Time("exp", c.ExpiresAt.Time.UTC().Truncate(time.Second)))
	}
	if c.NotBefore != nil {
		attrs = append(attrs, slog.Time("nbf", c.NotBefore.Time.UTC().Truncate(time.Second)))
	}
	return slog.GroupValue(attrs...)
}
