package quote

import "testing"

func TestNormalizePlace(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"北京市", "北京"},
		{"北京", "北京"},
		{"沪", "上海"},
		{"粤", "广东"},
		{"浙江省", "浙江"},
		{"内蒙", "内蒙古"},
		{"内蒙古自治区", "内蒙古"},
		{"香港特别行政区", "香港"},
		{"黑龙江省", "黑龙江"},
		{" 杭州 ", "杭州"},
		{"", ""},
		{"市", "市"}, // suffix only, nothing to fold
	}
	for _, tt := range tests {
		if got := NormalizePlace(tt.in); got != tt.want {
			t.Errorf("NormalizePlace(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCacheKeyBucketsContinuousDimensions(t *testing.T) {
	base := Request{Origin: "上海", Destination: "杭州", WeightKg: 2}

	// weights inside the same 0.5kg step share a key
	a := base
	a.WeightKg = 1.6
	b := base
	b.WeightKg = 2.0
	if CacheKey(a) != CacheKey(b) {
		t.Errorf("keys differ inside one weight bucket: %q vs %q", CacheKey(a), CacheKey(b))
	}
	c := base
	c.WeightKg = 2.1
	if CacheKey(b) == CacheKey(c) {
		t.Error("keys collide across weight buckets")
	}
}

func TestCacheKeyNormalizesRouteAndDefaults(t *testing.T) {
	a := Request{Origin: "北京市", Destination: "沪", WeightKg: 1}
	b := Request{Origin: "北京", Destination: "上海", WeightKg: 1}
	if CacheKey(a) != CacheKey(b) {
		t.Errorf("normalized routes key differently: %q vs %q", CacheKey(a), CacheKey(b))
	}

	// empty service level and courier fall to standard/auto
	c := Request{Origin: "北京", Destination: "上海", WeightKg: 1, ServiceLevel: "standard", Courier: "auto"}
	if CacheKey(b) != CacheKey(c) {
		t.Errorf("defaults not applied: %q vs %q", CacheKey(b), CacheKey(c))
	}

	d := c
	d.Courier = "顺丰"
	if CacheKey(c) == CacheKey(d) {
		t.Error("courier not part of key")
	}
}

func TestKnownPlace(t *testing.T) {
	for _, place := range []string{"上海", "上海市", "沪", "杭州", "内蒙", "乌鲁木齐", "黑龙江省"} {
		if !KnownPlace(place) {
			t.Errorf("KnownPlace(%q) = false", place)
		}
	}
	for _, word := range []string{"", "多少钱", "你好呀", "已付款", "顺丰"} {
		if KnownPlace(word) {
			t.Errorf("KnownPlace(%q) = true", word)
		}
	}
}
