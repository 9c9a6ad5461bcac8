// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of events, action parameters, and
// evidence manifests.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// GenesisHash seeds every stream's hash chain.
const GenesisHash = "genesis"

// Marshal returns the RFC 8785 canonical JSON encoding of v.
//
// v is first marshaled with encoding/json so struct tags apply, then the
// intermediate bytes are run through the JCS transform: object keys sorted,
// HTML escaping removed, numbers in shortest round-trip form.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// MarshalRaw canonicalizes bytes that are already JSON.
func MarshalRaw(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON encoding of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChainHash computes a hash-chain link: SHA-256(canonicalBytes || prevHash).
// prevHash is GenesisHash for the first link of a stream.
func ChainHash(canonicalBytes []byte, prevHash string) string {
	h := sha256.New()
	h.Write(canonicalBytes)
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// ParamsHash fingerprints an action's parameter map. A nil map hashes the
// same as an empty one so approval matching is insensitive to the caller
// omitting params entirely.
func ParamsHash(params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	return Hash(params)
}
