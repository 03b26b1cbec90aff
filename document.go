// Copyright 2024 The fleece Authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0 License
// that can be found in the LICENSE file.

package fleece

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/couchbaselabs/fleece/internal/num"
)

// Document is an immutable view of one stored value: a mapping whose
// values may be nested mappings, sequences, or scalars. Documents read
// from a snapshot carry their file offset so an unchanged document can
// be re-referenced instead of re-encoded on the next commit.
type Document struct {
	m   map[string]any
	off uint64 // 0 when built in memory; offset 0 is inside the file header
}

// NewDocument wraps body as a document. The map is not copied; the
// caller must not modify it afterwards.
func NewDocument(body map[string]any) *Document {
	if body == nil {
		body = map[string]any{}
	}
	return &Document{m: body}
}

// decodeDocument reads the length-prefixed msgpack body at off.
func decodeDocument(data []byte, off uint64) (*Document, error) {
	if off >= uint64(len(data)) {
		return nil, fmt.Errorf("value offset 0x%x beyond data (0x%x)", off, len(data))
	}
	length, n := binary.Uvarint(data[off:])
	if n <= 0 || off+uint64(n)+length > uint64(len(data)) {
		return nil, fmt.Errorf("malformed value at 0x%x", off)
	}
	var m map[string]any
	if err := msgpack.Unmarshal(data[off+uint64(n):off+uint64(n)+length], &m); err != nil {
		return nil, fmt.Errorf("msgpack.Unmarshal: %w", err)
	}
	return &Document{m: m, off: off}, nil
}

func encodeBody(body map[string]any) ([]byte, error) {
	b, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("msgpack.Marshal: %w", err)
	}
	return b, nil
}

// Count returns the number of top-level keys.
func (d *Document) Count() int { return len(d.m) }

// Get returns the raw value at key, or nil when absent.
func (d *Document) Get(key string) any { return d.m[key] }

// Has reports whether key is present.
func (d *Document) Has(key string) bool {
	_, ok := d.m[key]
	return ok
}

// Int returns the value at key coerced to an integer. Numbers convert
// (floats truncate), booleans give 1 or 0, numeric strings parse;
// anything else is 0.
func (d *Document) Int(key string) int64 { return asInt(d.m[key]) }

// Float returns the value at key coerced to a float.
func (d *Document) Float(key string) float64 { return asFloat(d.m[key]) }

// String returns the value at key coerced to a string.
func (d *Document) String(key string) string { return asString(d.m[key]) }

// Bool returns the value at key coerced to a bool: nonzero numbers are
// true.
func (d *Document) Bool(key string) bool { return asBool(d.m[key]) }

// Dict returns the nested mapping at key, or nil.
func (d *Document) Dict(key string) *Document {
	if m, ok := d.m[key].(map[string]any); ok {
		return &Document{m: m}
	}
	return nil
}

// Array returns the nested sequence at key, or nil.
func (d *Document) Array(key string) []any {
	if a, ok := d.m[key].([]any); ok {
		return a
	}
	return nil
}

// Each visits keys in ascending order until fn returns false.
func (d *Document) Each(fn func(key string, v any) bool) {
	keys := make([]string, 0, len(d.m))
	for k := range d.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k, d.m[k]) {
			return
		}
	}
}

// Scalar coercion. msgpack hands back whichever width fits the wire
// value, and callers hand NewDocument untyped Go literals, so every
// integer width shows up here.

func asInt(v any) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x > 1<<63-1 {
			return 0
		}
		return int64(x)
	case float32:
		return int64(x)
	case float64:
		return int64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		n, _ := num.ParseInt(x)
		return n
	}
	return 0
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float32:
		return float64(x)
	case float64:
		return x
	case string:
		f, _ := num.ParseFloat(x)
		return f
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return float64(asInt(v))
	}
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float32:
		return num.FormatFloat32(x)
	case float64:
		return num.FormatFloat(x)
	case nil:
		return ""
	default:
		return strconv.FormatInt(asInt(v), 10)
	}
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x != ""
	case nil:
		return false
	case float32:
		return x != 0
	case float64:
		return x != 0
	default:
		return asInt(v) != 0
	}
}
