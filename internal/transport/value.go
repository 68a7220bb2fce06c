// Package transport implements the dual-mode chat channel: a WebSocket
// client speaking the marketplace's push protocol, and a DOM fallback that
// drives a remote browser. Both expose the same Transport interface.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind tags a decoded Value.
type Kind int

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindArray
	KindMap
)

// Value is the tagged variant for decoded frame payloads. Inbound payloads
// are dynamically shaped maps whose keys appear as either short strings
// ("1", "10") or integers (1, 10); Field accepts both.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Uint  uint64
	Float float64
	Str   string
	Bytes []byte
	Array []Value
	Map   []MapEntry
}

// MapEntry is one key/value pair of a decoded map.
type MapEntry struct {
	Key Value
	Val Value
}

// Nil is the zero Value.
var Nil = Value{Kind: KindNil}

// Field returns the map entry whose key renders to name, matching string
// keys literally and integer keys by their decimal form.
func (v Value) Field(name string) (Value, bool) {
	if v.Kind != KindMap {
		return Nil, false
	}
	for _, e := range v.Map {
		switch e.Key.Kind {
		case KindString:
			if e.Key.Str == name {
				return e.Val, true
			}
		case KindInt:
			if strconv.FormatInt(e.Key.Int, 10) == name {
				return e.Val, true
			}
		case KindUint:
			if strconv.FormatUint(e.Key.Uint, 10) == name {
				return e.Val, true
			}
		}
	}
	return Nil, false
}

// Path walks nested maps through the named fields.
func (v Value) Path(names ...string) (Value, bool) {
	cur := v
	for _, name := range names {
		next, ok := cur.Field(name)
		if !ok {
			return Nil, false
		}
		cur = next
	}
	return cur, true
}

// AsString renders a string-like value. Bytes are assumed UTF-8; numbers
// render decimally.
func (v Value) AsString() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindBytes:
		return string(v.Bytes)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindUint:
		return strconv.FormatUint(v.Uint, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	default:
		return ""
	}
}

// AsInt64 coerces numeric and numeric-string values.
func (v Value) AsInt64() (int64, bool) {
	switch v.Kind {
	case KindInt:
		return v.Int, true
	case KindUint:
		return int64(v.Uint), true
	case KindFloat:
		return int64(v.Float), true
	case KindString:
		n, err := strconv.ParseInt(v.Str, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// FromJSON decodes a JSON document into the same Value shape the msgpack
// decoder produces.
func FromJSON(data []byte) (Value, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Nil, err
	}
	return fromInterface(raw), nil
}

func fromInterface(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Nil
	case bool:
		return Value{Kind: KindBool, Bool: t}
	case float64:
		if t == float64(int64(t)) {
			return Value{Kind: KindInt, Int: int64(t)}
		}
		return Value{Kind: KindFloat, Float: t}
	case string:
		return Value{Kind: KindString, Str: t}
	case []interface{}:
		arr := make([]Value, 0, len(t))
		for _, item := range t {
			arr = append(arr, fromInterface(item))
		}
		return Value{Kind: KindArray, Array: arr}
	case map[string]interface{}:
		entries := make([]MapEntry, 0, len(t))
		for k, item := range t {
			entries = append(entries, MapEntry{
				Key: Value{Kind: KindString, Str: k},
				Val: fromInterface(item),
			})
		}
		return Value{Kind: KindMap, Map: entries}
	default:
		return Nil
	}
}

// DecodeBase64 accepts standard and URL-safe alphabets with or without
// padding, as the sync frames mix both.
func DecodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if data, err := enc.DecodeString(s); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("invalid base64 payload")
}

// DecodePayload decodes a sync payload that is either MessagePack or JSON.
func DecodePayload(data []byte) (Value, error) {
	if v, err := DecodeMsgpack(data); err == nil {
		return v, nil
	}
	if v, err := FromJSON(data); err == nil {
		return v, nil
	}
	return Nil, fmt.Errorf("payload is neither msgpack nor JSON")
}
