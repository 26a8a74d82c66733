// Package canonical provides deterministic JSON serialization and the content
// hashes derived from it. Every hash stored in the audit trail (row hashes,
// call request/response hashes, contract version hashes, payload refs) goes
// through this package so that the same logical value always produces the
// same bytes, regardless of map iteration order or how the value was built.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Version identifies the canonicalization algorithm. It is stored on every
// run and embedded in payload refs so that a future algorithm change cannot
// silently invalidate old hashes.
const Version = "sha256-rfc8785-v1"

// maxSafeInt is the largest integer exactly representable as a float64.
// Integers beyond this range are serialized as decimal strings to survive
// round-trips through JSON parsers that decode numbers as float64.
const maxSafeInt = 1<<53 - 1

// Marshal serializes v to canonical JSON: object keys sorted bytewise, no
// insignificant whitespace, no HTML escaping. Binary data is wrapped as
// {"__bytes__": "<base64>"} and timestamps are rendered in UTC with a
// "+00:00" offset. Non-finite floats are rejected.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StableHash returns the 32-hex-character identity hash of v: the first half
// of the SHA-256 digest of its canonical serialization.
func StableHash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:32], nil
}

// FullHash returns the full 64-hex-character SHA-256 digest of the canonical
// serialization of v. Used where collision resistance matters more than
// column width: payload refs and artifact content hashes.
func FullHash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the full SHA-256 hex digest of raw bytes (no
// canonicalization). Used for artifact content written to sinks.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ErrorHash returns the 16-hex-character digest of an error message. Failed
// and quarantined outcomes carry this instead of the message itself so the
// audit trail never leaks payload data through error text.
func ErrorHash(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:])[:16]
}

// ReprHash returns the 16-hex-character digest of fmt.Sprintf("%v", v).
// Fallback identity for values that cannot be canonicalized (for example a
// quarantined row containing NaN); lossy but stable enough for attribution.
func ReprHash(v any) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%v", v)))
	return hex.EncodeToString(sum[:])[:16]
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeString(buf, val)
	case json.Number:
		return writeNumber(buf, val)
	case int:
		writeInt(buf, int64(val))
	case int8:
		writeInt(buf, int64(val))
	case int16:
		writeInt(buf, int64(val))
	case int32:
		writeInt(buf, int64(val))
	case int64:
		writeInt(buf, val)
	case uint:
		writeUint(buf, uint64(val))
	case uint8:
		writeUint(buf, uint64(val))
	case uint16:
		writeUint(buf, uint64(val))
	case uint32:
		writeUint(buf, uint64(val))
	case uint64:
		writeUint(buf, val)
	case float32:
		return writeFloat(buf, float64(val))
	case float64:
		return writeFloat(buf, val)
	case []byte:
		buf.WriteString(`{"__bytes__":`)
		if err := writeString(buf, base64.StdEncoding.EncodeToString(val)); err != nil {
			return err
		}
		buf.WriteByte('}')
	case time.Time:
		return writeString(buf, formatTime(val))
	case map[string]any:
		return writeMap(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return writeReflected(buf, v)
	}
	return nil
}

func writeInt(buf *bytes.Buffer, v int64) {
	if v > maxSafeInt || v < -maxSafeInt {
		buf.WriteByte('"')
		buf.WriteString(strconv.FormatInt(v, 10))
		buf.WriteByte('"')
		return
	}
	buf.WriteString(strconv.FormatInt(v, 10))
}

func writeUint(buf *bytes.Buffer, v uint64) {
	if v > maxSafeInt {
		buf.WriteByte('"')
		buf.WriteString(strconv.FormatUint(v, 10))
		buf.WriteByte('"')
		return
	}
	buf.WriteString(strconv.FormatUint(v, 10))
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite value %v not allowed in canonical JSON", f)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	// Integral floats keep a fractional marker so 1.0 and 1 stay distinct
	// in the serialized form.
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	buf.WriteString(s)
	return nil
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		writeInt(buf, i)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("invalid json.Number %q: %w", n.String(), err)
	}
	return writeFloat(buf, f)
}

func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode string: %w", err)
	}
	// Encode appends a newline; canonical form has none.
	buf.Truncate(buf.Len() - 1)
	return nil
}

func writeMap(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
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
		if err := writeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// formatTime renders a timestamp in UTC ISO-8601 with an explicit "+00:00"
// offset. Fractional seconds are included only when non-zero.
func formatTime(t time.Time) string {
	u := t.UTC()
	if u.Nanosecond() == 0 {
		return u.Format("2006-01-02T15:04:05") + "+00:00"
	}
	return u.Format("2006-01-02T15:04:05.999999") + "+00:00"
}

// writeReflected handles container types beyond the concrete cases above
// (typed maps with string keys, typed slices, pointers). Anything else is an
// unsupported type: rows are plain maps, and plugins that produce exotic
// types must convert them first.
func writeReflected(buf *bytes.Buffer, v any) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return writeValue(buf, rv.Elem().Interface())
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("unsupported map key type %s in canonical JSON", rv.Type().Key())
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return writeMap(buf, m)
	case reflect.Slice, reflect.Array:
		buf.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return fmt.Errorf("unsupported type %T in canonical JSON", v)
	}
}
