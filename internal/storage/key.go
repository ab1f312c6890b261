package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
)

// Key is an encoded primary key. Auto-increment stores use 8-byte big-endian
// integers so cursor order matches numeric order; string-keyed stores use the
// raw bytes of the key.
type Key []byte

// IntKey encodes a surrogate id.
func IntKey(id int64) Key {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

// StringKey encodes a string primary key.
func StringKey(s string) Key {
	return Key(s)
}

// Int decodes an integer key. It returns 0 for keys that are not 8 bytes long.
func (k Key) Int() int64 {
	if len(k) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(k))
}

// String returns the key as text.
func (k Key) String() string {
	if len(k) == 8 {
		return fmt.Sprintf("%d", k.Int())
	}
	return string(k)
}

// indexSep separates the encoded index value from the primary key in
// non-unique index entries. Encoded values are JSON text, which never
// contains a raw NUL byte.
const indexSep = 0x00

// encodeIndexValue turns a tuple of key path values into the byte form used
// as an index key. Values are JSON encoded so that numbers read back from a
// stored record (float64) and numbers passed by callers (int64) produce the
// same bytes.
func encodeIndexValue(values []any) ([]byte, error) {
	b, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode index value: %w", err)
	}
	return b, nil
}

// extractKeyPath pulls the values named by keyPath out of a decoded record.
// ok is false when any component is missing, null or an empty string; such
// records are left out of the index.
func extractKeyPath(fields map[string]any, keyPath []string) ([]any, bool) {
	values := make([]any, 0, len(keyPath))
	for _, path := range keyPath {
		v, ok := lookupPath(fields, path)
		if !ok || v == nil {
			return nil, false
		}
		if s, isString := v.(string); isString && s == "" {
			return nil, false
		}
		values = append(values, v)
	}
	return values, true
}

func lookupPath(fields map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = fields
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func decodeFields(value []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(value, &fields); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return fields, nil
}

func nonUniqueEntry(encoded []byte, pk Key) []byte {
	entry := make([]byte, 0, len(encoded)+1+len(pk))
	entry = append(entry, encoded...)
	entry = append(entry, indexSep)
	return append(entry, pk...)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return bytes.Clone(b)
}
