package keystore

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrNotFound is returned by Lookup when no key is registered under the
// requested key id.
var ErrNotFound = errors.New("keystore: key not found")

// Key is public verification material together with the algorithm it is
// expected to sign with. An empty Alg means the key is not tagged and any
// algorithm allowed by the validation policy may be used with it, subject to
// the key type matching the algorithm family.
type Key struct {
	Public crypto.PublicKey
	Alg    string
}

// Store is an immutable mapping from key id to verification Key. Lookups are
// exact-match and case-sensitive. A Store is safe for concurrent use.
type Store struct {
	keys map[string]Key
}

// New builds a Store from the supplied mapping. The map is copied so later
// changes made by the caller are not observed.
func New(keys map[string]Key) *Store {
	dup := make(map[string]Key, len(keys))
	for kid, k := range keys {
		dup[kid] = k
	}
	return &Store{keys: dup}
}

// Lookup returns the key registered under kid, or ErrNotFound.
func (s *Store) Lookup(kid string) (Key, error) {
	if s == nil {
		return Key{}, ErrNotFound
	}
	k, ok := s.keys[kid]
	if !ok {
		return Key{}, ErrNotFound
	}
	return k, nil
}

// Len reports how many keys the store holds.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// KeyIDs returns the registered key ids in sorted order.
func (s *Store) KeyIDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.keys))
	for kid := range s.keys {
		ids = append(ids, kid)
	}
	sort.Strings(ids)
	return ids
}

// FromJWKS parses a JSON Web Key Set document (RFC 7517) into a Store.
//
// Every entry must carry a kid, hold public key material and, when "use" is
// present, be a signature key. Duplicate key ids are rejected since a kid
// must identify exactly one key.
func FromJWKS(doc []byte) (*Store, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(doc, &set); err != nil {
		return nil, fmt.Errorf("keystore: invalid jwks document: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, errors.New("keystore: jwks contains no keys")
	}

	keys := make(map[string]Key, len(set.Keys))
	for i, jwk := range set.Keys {
		if jwk.KeyID == "" {
			return nil, fmt.Errorf("keystore: jwks key %d has no kid", i)
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			return nil, fmt.Errorf("keystore: jwks key %q has use %q; want sig", jwk.KeyID, jwk.Use)
		}
		if !jwk.IsPublic() {
			return nil, fmt.Errorf("keystore: jwks key %q is not a public key", jwk.KeyID)
		}
		if _, dup := keys[jwk.KeyID]; dup {
			return nil, fmt.Errorf("keystore: duplicate kid %q", jwk.KeyID)
		}
		keys[jwk.KeyID] = Key{Public: jwk.Key, Alg: jwk.Algorithm}
	}
	return &Store{keys: keys}, nil
}
