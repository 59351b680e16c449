// Package canonjson produces a canonical JSON encoding suitable for hashing:
// object keys sorted lexicographically at every nesting level, no
// insignificant whitespace, and numeric literals preserved verbatim so a
// big integer encoded as a decimal string by its own MarshalJSON is never
// reformatted or rounded through a float64 intermediate.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
)

// Marshal encodes v as canonical JSON. v is first marshaled through the
// standard encoder (so custom MarshalJSON methods, e.g. big.Int-as-string
// fields, still run), then re-emitted with sorted keys and no whitespace.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}
	return Canonicalize(raw)
}

// Canonicalize re-emits an already-encoded JSON document in canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("canonjson: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeValue(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	case string:
		return writeString(buf, val)
	case []any:
		return writeArray(buf, val)
	case map[string]any:
		return writeObject(buf, val)
	default:
		return fmt.Errorf("canonjson: unsupported type %T", v)
	}
}

func writeString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canonjson: encode string: %w", err)
	}
	buf.Write(encoded)
	return nil
}

func writeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// BigIntString renders a *big.Int as the decimal string canonical JSON
// expects for amounts. A nil pointer renders as "0".
func BigIntString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
