// Package auth is the token-validation core of jwtgate. It decides whether a
// raw bearer token (a compact JWS) is acceptable given a key store and a
// validation policy, and extracts the verified claims.
//
// The public surface stays small: build a Validator once at startup and call
// Validate per request. The host is responsible for pulling the token out of
// the Authorization header and for turning rejections into HTTP responses;
// package bearerhttp does both for net/http servers.
//
// Example:
//
//	store, err := keystore.FromJWKS(doc)
//	if err != nil { log.Fatal(err) }
//
//	policy := auth.DefaultPolicy()
//	policy.Issuer = "https://issuer.example"
//	v, err := auth.New(store, policy)
//	if err != nil { log.Fatal(err) }
//
//	// Later inside request handling:
//	claims, err := v.Validate(r.Context(), bearerToken)
//	if errors.Is(err, auth.ErrUnknownKeyID) { /* map to 401 */ }
//
// # Algorithms
//
// The policy pins the accepted algorithms; a token naming any other
// algorithm in its header is rejected with ErrInvalidSignature. Only public
// key algorithms (RS*, PS*, ES*, EdDSA) can be pinned. A key tagged with an
// algorithm in the store is only ever used with that algorithm.
//
// # Errors
//
// Every rejection is a *RejectionError carrying a Reason. They match the
// sentinels ErrMalformedToken, ErrMissingKeyID, ErrUnknownKeyID,
// ErrInvalidSignature and ErrInvalidClaims via errors.Is. Reason.Status
// gives the HTTP status class a host should respond with.
package auth
