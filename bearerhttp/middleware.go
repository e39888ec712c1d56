// Package bearerhttp protects HTTP handlers with bearer token validation.
//
// Middleware extracts the token from the Authorization header, hands it to a
// Validator and maps rejections onto RFC 6750 responses:
//
//   - no Authorization header: 401 with a bare Bearer challenge
//   - a header that is not a bearer credential, or a token that cannot be
//     parsed: 400 invalid_request
//   - any other rejection: 401 invalid_token
//
// Every 401 invalid_token response carries the same description. The
// detailed rejection reason is only logged.
package bearerhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/jwtgate/auth"
	"github.com/ggoodman/jwtgate/internal/logctx"
	"github.com/ggoodman/jwtgate/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	requestIDHeader       = "X-Request-Id"

	maxRequestIDLen = 128
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Validator validates a bearer token. *auth.Validator and *Swappable satisfy
// it.
type Validator interface {
	Validate(ctx context.Context, token string) (*auth.Claims, error)
}

// Option configures Middleware.
type Option func(*config)

type config struct {
	log   *slog.Logger
	realm string
}

// WithLogger sets the logger used for authentication outcomes. If not
// provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges. The
// realm attribute is omitted when empty.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = strings.TrimSpace(realm) }
}

// Middleware returns a handler decorator that admits only requests carrying a
// token accepted by v. Claims of accepted tokens are available to the wrapped
// handler through ClaimsFromContext.
func Middleware(v Validator, opts ...Option) func(http.Handler) http.Handler {
	if v == nil {
		panic("bearerhttp: nil validator")
	}
	cfg := config{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&cfg)
	}
	g := &gate{v: v, log: cfg.log, realm: cfg.realm}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := withRequestData(w, r)

			claims, ok := g.authenticate(ctx, w, r)
			if !ok {
				return
			}

			ctx = logctx.WithAuthData(ctx, &logctx.AuthData{
				Subject: claims.Subject,
				Issuer:  claims.Issuer,
			})
			ctx = context.WithValue(ctx, claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type gate struct {
	v     Validator
	log   *slog.Logger
	realm string
}

func (g *gate) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	header := r.Header.Get(authorizationHeader)
	if header == "" {
		// RFC 6750 3.1: no error code when the request carries no credentials.
		metrics.MissingCredentialsTotal.WithLabelValues("missing").Inc()
		g.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Set(wwwAuthenticateHeader, buildBearerChallenge(g.realm, "", ""))
		writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}

	scheme, tok, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		metrics.MissingCredentialsTotal.WithLabelValues("malformed_header").Inc()
		g.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		g.invalidRequest(w, "malformed bearer authorization header")
		return nil, false
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		metrics.MissingCredentialsTotal.WithLabelValues("empty_token").Inc()
		g.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		g.invalidRequest(w, "empty bearer token")
		return nil, false
	}

	timer := prometheus.NewTimer(metrics.ValidationDuration)
	claims, err := g.v.Validate(ctx, tok)
	timer.ObserveDuration()
	if err == nil && claims == nil {
		err = errors.New("bearerhttp: validator returned no claims")
	}
	if err == nil {
		metrics.ValidationsTotal.WithLabelValues("ok").Inc()
		g.log.DebugContext(ctx, "auth.check.ok", slog.String("sub", claims.Subject))
		return claims, true
	}

	reason, ok := auth.ReasonOf(err)
	if !ok {
		metrics.ValidationsTotal.WithLabelValues("error").Inc()
		g.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}

	metrics.ValidationsTotal.WithLabelValues(reason.String()).Inc()
	g.log.InfoContext(ctx, "auth.check.fail",
		slog.String("reason", reason.String()),
		slog.String("err", err.Error()),
	)

	if reason.Status() == http.StatusBadRequest {
		g.invalidRequest(w, "malformed token")
		return nil, false
	}
	w.Header().Set(wwwAuthenticateHeader, buildBearerChallenge(g.realm, "invalid_token", "invalid token"))
	writeJSONError(w, http.StatusUnauthorized, "invalid token")
	return nil, false
}

func (g *gate) invalidRequest(w http.ResponseWriter, desc string) {
	w.Header().Set(wwwAuthenticateHeader, buildBearerChallenge(g.realm, "invalid_request", desc))
	writeJSONError(w, http.StatusBadRequest, desc)
}

// withRequestData assigns the request id, echoing a client supplied one, and
// records request metadata for log correlation.
func withRequestData(w http.ResponseWriter, r *http.Request) context.Context {
	id := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if id == "" || len(id) > maxRequestIDLen {
		id = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, id)

	return logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  id,
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
}

// buildBearerChallenge builds a WWW-Authenticate value of the form
//
//	Bearer realm="<realm>", error="<code>", error_description="<desc>"
//
// omitting empty attributes.
func buildBearerChallenge(realm, code, desc string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	pieces := make([]string, 0, 3)
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc.Replace(realm)))
	}
	if code != "" {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc.Replace(code)))
	}
	if desc != "" {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc.Replace(desc)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// writeJSONError emits {"error":{"code":<status>,"message":"<msg>"}}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

type claimsKey struct{}

// ClaimsFromContext returns the claims of the token admitted by Middleware.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return c, ok && c != nil
}
