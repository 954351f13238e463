// Package fingerprint produces stable content hashes for outbound API
// requests. Two requests with deeply-equal payloads hash identically
// regardless of map key order, which is what request deduplication keys on.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Compute returns the hex digest of the canonical serialization of
// {endpoint, payload}. Payload may be any JSON-marshalable value; struct
// fields tagged omitempty vanish from the canonical form the same way an
// absent map key does. Array order is preserved because it is semantically
// meaningful (e.g. a keyword list).
func Compute(endpoint string, payload interface{}) (string, error) {
	canonical, err := Canonicalize(map[string]interface{}{
		"endpoint": endpoint,
		"payload":  payload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize request: %w", err)
	}

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize renders a value as JSON with all object keys sorted
// recursively. The value is round-tripped through encoding/json first so
// that structs, maps and slices all reduce to the same canonical form.
func Canonicalize(value interface{}) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := writeCanonical(&sb, generic); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeCanonical(sb *strings.Builder, value interface{}) error {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(keyJSON)
			sb.WriteByte(':')
			if err := writeCanonical(sb, v[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil

	case []interface{}:
		sb.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, elem); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil

	default:
		// Scalars and null; numbers are already float64 from the
		// round-trip so equal values serialize identically.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		sb.Write(raw)
		return nil
	}
}
