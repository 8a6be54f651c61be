package domain

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// Canonicalize re-encodes body with sorted object keys and no insignificant
// whitespace, so equal documents hash equally.
func Canonicalize(body json.RawMessage) ([]byte, error) {
	if len(body) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Checksum is the hex BLAKE2b-256 of the canonical form of body.
func Checksum(body json.RawMessage) (string, error) {
	canonical, err := Canonicalize(body)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ContentHash identifies an enqueue request: same kind, target, base
// checksum and payload give the same hash.
func ContentHash(kind Kind, entityType, entityID, checksum string, payload json.RawMessage) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	for _, part := range []string{string(kind), entityType, entityID, checksum} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
