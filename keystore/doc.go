// Package keystore holds the verification keys a token validator may use,
// addressed by key id (the JWT "kid" header).
//
// A Store is built once by the host, either from an in-memory mapping with
// New or from a JWKS document with FromJWKS, and is read-only afterwards.
// Replacing the key set means building a new Store; nothing in this package
// mutates one in place.
package keystore
