package transport

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestFieldMatchesStringAndIntKeys(t *testing.T) {
	v := Value{Kind: KindMap, Map: []MapEntry{
		{Key: Value{Kind: KindString, Str: "10"}, Val: Value{Kind: KindString, Str: "by-string"}},
		{Key: Value{Kind: KindInt, Int: 5}, Val: Value{Kind: KindString, Str: "by-int"}},
		{Key: Value{Kind: KindUint, Uint: 2}, Val: Value{Kind: KindString, Str: "by-uint"}},
	}}

	for name, want := range map[string]string{
		"10": "by-string",
		"5":  "by-int",
		"2":  "by-uint",
	} {
		got, ok := v.Field(name)
		if !ok || got.Str != want {
			t.Errorf("Field(%q) = %q ok=%v, want %q", name, got.Str, ok, want)
		}
	}
	if _, ok := v.Field("99"); ok {
		t.Error("missing field reported present")
	}
}

func TestPath(t *testing.T) {
	v, err := FromJSON([]byte(`{"1": {"10": {"content": "你好"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	got, ok := v.Path("1", "10", "content")
	if !ok || got.AsString() != "你好" {
		t.Errorf("path = %q ok=%v", got.AsString(), ok)
	}
	if _, ok := v.Path("1", "nope"); ok {
		t.Error("bad path resolved")
	}
}

func TestFromJSONIntegralFloats(t *testing.T) {
	v, err := FromJSON([]byte(`{"ts": 1700000000000, "ratio": 1.5}`))
	if err != nil {
		t.Fatal(err)
	}
	ts, _ := v.Field("ts")
	if ts.Kind != KindInt || ts.Int != 1700000000000 {
		t.Errorf("integral number decoded as %+v", ts)
	}
	ratio, _ := v.Field("ratio")
	if ratio.Kind != KindFloat {
		t.Errorf("fractional number decoded as %+v", ratio)
	}
}

func TestDecodeBase64Variants(t *testing.T) {
	plain := "hello world?>"
	encodings := []string{
		base64.StdEncoding.EncodeToString([]byte(plain)),
		base64.RawStdEncoding.EncodeToString([]byte(plain)),
		base64.URLEncoding.EncodeToString([]byte(plain)),
		base64.RawURLEncoding.EncodeToString([]byte(plain)),
	}
	for _, enc := range encodings {
		got, err := DecodeBase64(enc)
		if err != nil {
			t.Errorf("DecodeBase64(%q): %v", enc, err)
			continue
		}
		if string(got) != plain {
			t.Errorf("DecodeBase64(%q) = %q", enc, got)
		}
	}
	if _, err := DecodeBase64("!!not-base64!!"); err == nil {
		t.Error("invalid input accepted")
	}
}

func TestDecodePayloadJSONFallback(t *testing.T) {
	v, err := DecodePayload([]byte(`{"1": {"2": "chat123@goofish"}}`))
	if err != nil {
		t.Fatal(err)
	}
	ref, ok := v.Path("1", "2")
	if !ok || !strings.HasPrefix(ref.AsString(), "chat123") {
		t.Errorf("json payload not decoded: %+v", ref)
	}
}
