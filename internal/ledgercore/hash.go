// Package ledgercore implements the verifiable-ledger engine: canonical
// hashing, the incremental Merkle tree, inclusion/batch/consistency proofs,
// and the auxiliary sparse Merkle tree. Nothing in this package touches
// storage, transport, or auth — it is pure, synchronous, and deterministic
// given its inputs.
package ledgercore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Hash is a lowercase 64-character hex-encoded SHA-256 digest. Every
// hash-typed field in the system uses this shape.
type Hash string

// GenesisHash is sha256("") — the parent hash of the first entry in any
// ledger and the root of an empty Merkle tree.
const GenesisHash Hash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Validate reports whether h is a well-formed 64-hex-character hash.
// Per §4.1, external input containing uppercase hex characters is rejected
// rather than normalized — callers that produce hashes internally lowercase
// them via Sha256Hex and never need this leniency.
func (h Hash) Validate() error {
	if len(h) != 64 {
		return fmt.Errorf("ledgercore: hash must be 64 hex characters, got %d", len(h))
	}
	for _, c := range string(h) {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return fmt.Errorf("ledgercore: hash %q is not lowercase hex", string(h))
		}
	}
	return nil
}

// Sha256Hex returns the lowercase hex SHA-256 digest of data.
func Sha256Hex(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// HashPair combines two hashes in order: sha256(left || right). Order
// matters — HashPair(a, b) != HashPair(b, a) in general.
func HashPair(left, right Hash) Hash {
	buf := make([]byte, 0, len(left)+len(right))
	buf = append(buf, left...)
	buf = append(buf, right...)
	return Sha256Hex(buf)
}

// DecimalU64 marshals a uint64 as a JSON string so it survives round-trips
// through JSON numbers that only safely hold 53 bits of precision.
type DecimalU64 uint64

func (d DecimalU64) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(d), 10))
}

func (d *DecimalU64) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Tolerate a bare JSON number too, for callers that didn't follow
		// the wire convention.
		var n uint64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return err
		}
		*d = DecimalU64(n)
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("ledgercore: invalid decimal uint64 %q: %w", s, err)
	}
	*d = DecimalU64(v)
	return nil
}

// canonicalJSON produces a deterministic JSON encoding of v: object keys
// sorted lexicographically, minimal number representation (delegated to
// encoding/json, which already avoids trailing zeros and uses the shortest
// round-trippable form), and encoding/json's HTML escaping of <, > and &
// turned off so those characters appear as written rather than as \u
// escapes.
func canonicalJSON(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf []byte
	buf, err = marshalSorted(normalized)
	return buf, err
}

// normalize round-trips v through encoding/json into generic Go values
// (map[string]interface{}, []interface{}, float64, string, bool, nil) so
// that struct field ordering and tags don't leak into the canonical form.
func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// marshalSorted serializes a normalized value with object keys sorted.
func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := marshalScalar(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte{'['}
		for i, e := range val {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return marshalScalar(val)
	}
}

// marshalScalar encodes a string, number, bool or null with encoding/json,
// HTML escaping turned off.
func marshalScalar(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// HashEntry computes the canonical entry digest for an entry at position
// carrying data. Per the decided Open Question (see DESIGN.md), the
// canonical form deliberately omits wall-clock time: it hashes only
// {"position": "<decimal>", "data": data}, so the same (position, data)
// pair always yields the same hash — recomputable for audit without a
// captured timestamp.
func HashEntry(data interface{}, position uint64) (Hash, error) {
	payload := map[string]interface{}{
		"position": strconv.FormatUint(position, 10),
		"data":     data,
	}
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("ledgercore: canonicalize entry: %w", err)
	}
	return Sha256Hex(canonical), nil
}
