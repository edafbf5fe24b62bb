// Package canonical produces the deterministic byte encodings that audit
// entry hashes are computed over. Two layers: MarshalCanonical renders an
// arbitrary JSON-like payload as canonical JSON, and EncodeEntry frames an
// entry's logical fields into a single unambiguous byte sequence.
package canonical

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrUnsupported is returned when a value cannot be canonically encoded.
// The encoder fails closed: unrecognized shapes are rejected, never guessed,
// so a hash is only ever computed over bytes every implementation agrees on.
var ErrUnsupported = errors.New("canonical: unsupported value")

// MarshalCanonical returns deterministic JSON bytes for a JSON-like value.
// Rules:
// - Objects (map[string]interface{}): keys sorted lexicographically.
// - Arrays: order preserved.
// - json.Number: textual representation preserved.
// - Strings encoded as JSON strings (UTF-8), numbers/bools/null consistently.
func MarshalCanonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		// Preserve the textual representation so numbers stay stable across
		// decode/encode round trips.
		buf.WriteString(vv.String())
	case int:
		fmt.Fprintf(buf, "%d", vv)
	case int64:
		fmt.Fprintf(buf, "%d", vv)
	case uint64:
		fmt.Fprintf(buf, "%d", vv)
	case float64:
		// Fallback for numeric values unmarshaled without UseNumber.
		if math.IsNaN(vv) || math.IsInf(vv, 0) {
			return fmt.Errorf("%w: non-finite float %v", ErrUnsupported, vv)
		}
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case string:
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		// Sort keys for deterministic ordering
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
	return nil
}

// EntryFields are the logical fields of an audit entry, in the exact order
// they are framed by EncodeEntry. Sequence and timestamp are encoded as
// fixed-width big-endian integers; every variable-length field carries a
// uvarint length prefix so field boundaries are unambiguous
// (actor="ab",action="c" never encodes like actor="a",action="bc").
type EntryFields struct {
	ChainID      string
	Sequence     uint64
	Timestamp    time.Time
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Payload      interface{}
}

// EncodeEntry frames the logical fields into a single deterministic byte
// sequence. The timestamp is reduced to integer epoch microseconds (UTC), so
// two timestamps equal at microsecond precision encode identically.
func EncodeEntry(f EntryFields) ([]byte, error) {
	payload, err := MarshalCanonical(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	var buf bytes.Buffer
	writeString(&buf, f.ChainID)
	writeUint64(&buf, f.Sequence)
	writeUint64(&buf, uint64(f.Timestamp.UTC().UnixMicro()))
	writeString(&buf, f.ActorID)
	writeString(&buf, f.Action)
	writeString(&buf, f.ResourceType)
	writeString(&buf, f.ResourceID)
	writeBytes(&buf, payload)
	return buf.Bytes(), nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var l [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(l[:], uint64(len(b)))
	buf.Write(l[:n])
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}
