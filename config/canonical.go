package config

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/crypto/sha3"

	"github.com/KeckObservatory/mKTL/errors"
)

// HashItems computes the canonical 128-bit hash over an items mapping,
// rendered as 32 lowercase hex digits. Two blocks describing the same
// items always hash identically regardless of the map ordering or the
// serializer that produced them.
func HashItems(items map[string]Item) (string, error) {
	canonical, err := CanonicalJSON(items)
	if err != nil {
		return "", errors.Wrap(err, "config", "HashItems", "canonicalization")
	}

	digest := make([]byte, 16)
	sha3.ShakeSum256(digest, canonical)
	return hex.EncodeToString(digest), nil
}

// CanonicalJSON serializes a value as canonical JSON: object keys sorted
// lexicographically at every level, no insignificant whitespace, numbers
// passed through the decoder's literal form so integers never drift
// through float64.
func CanonicalJSON(v any) ([]byte, error) {
	// Round-trip through the generic representation first; the input is
	// usually a struct-typed mapping whose field order is not canonical.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch value := v.(type) {
	case nil:
		buf.WriteString("null")

	case bool:
		if value {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}

	case json.Number:
		buf.WriteString(value.String())

	case string:
		encoded, err := json.Marshal(value)
		if err != nil {
			return err
		}
		buf.Write(encoded)

	case []any:
		buf.WriteByte('[')
		for i, element := range value {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, element); err != nil {
				return err
			}
		}
		buf.WriteByte(']')

	case map[string]any:
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encoded, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(encoded)
			buf.WriteByte(':')
			if err := writeCanonical(buf, value[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')

	default:
		return fmt.Errorf("canonical JSON: unsupported type %T", v)
	}

	return nil
}
