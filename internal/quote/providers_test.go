package quote

import (
	"math"
	"testing"

	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/costtable"
)

type stubSource struct {
	records []costtable.CostRecord
	version string
}

func (s stubSource) FindCandidates(origin, destination, courier string) []costtable.CostRecord {
	return s.records
}
func (s stubSource) Version() string { return s.version }

func TestBillingWeight(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		tr   float64
		want float64
	}{
		{"actual weight wins", Request{WeightKg: 5}, 0, 5},
		{"declared volume weight wins", Request{WeightKg: 2, VolumeWeightKg: 6}, 0, 6},
		{"volumetric from default ratio", Request{WeightKg: 1, VolumeCc: 30000}, 0, 5},
		{"volumetric from lane ratio", Request{WeightKg: 1, VolumeCc: 30000}, 5000, 6},
		{"minimum one kg", Request{}, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BillingWeight(tt.req, tt.tr); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuleProviderPicksCheapestLane(t *testing.T) {
	source := stubSource{version: "2024-06", records: []costtable.CostRecord{
		{Courier: "顺丰", Origin: "上海", Destination: "浙江", FirstCost: 18, ExtraCost: 8},
		{Courier: "中通", Origin: "上海", Destination: "浙江", FirstCost: 8, ExtraCost: 3},
	}}
	p := NewRuleProvider(source, "rules-v7")

	result, err := p.Quote(Request{Origin: "上海", Destination: "杭州", WeightKg: 3})
	if err != nil {
		t.Fatal(err)
	}
	// 8 + 3×ceil(3-1) = 14
	if result.TotalFee != 14 {
		t.Errorf("total = %v, want 14", result.TotalFee)
	}
	if result.BaseFee != 8 {
		t.Errorf("base = %v", result.BaseFee)
	}
	if result.Surcharges["续重"] != 6 {
		t.Errorf("续重 = %v, want 6", result.Surcharges["续重"])
	}
	if result.Explain["courier"] != "中通" {
		t.Errorf("courier = %q", result.Explain["courier"])
	}
	if result.Snapshot.CostVersion != "2024-06" || result.Snapshot.PricingRuleVersion != "rules-v7" {
		t.Errorf("versions = %q/%q", result.Snapshot.CostVersion, result.Snapshot.PricingRuleVersion)
	}
	if result.Confidence != 0.85 {
		t.Errorf("confidence = %v", result.Confidence)
	}
}

func TestRuleProviderErrorsWithoutLane(t *testing.T) {
	p := NewRuleProvider(stubSource{}, "")
	if _, err := p.Quote(Request{Origin: "上海", Destination: "杭州", WeightKg: 1}); err == nil {
		t.Error("missing lane did not error")
	}
}

func TestTemplateQuote(t *testing.T) {
	result := templateQuote(Request{Origin: "上海", Destination: "杭州", WeightKg: 2})
	// base 8 + 跨省 4 + 重量 2×2
	if result.TotalFee != 16 {
		t.Errorf("total = %v, want 16", result.TotalFee)
	}
	if !result.FallbackUsed || result.Provider != SourceTemplate {
		t.Errorf("result = %+v", result)
	}
	if result.Confidence != 0.4 {
		t.Errorf("confidence = %v", result.Confidence)
	}

	remote := templateQuote(Request{Origin: "上海", Destination: "新疆", WeightKg: 1})
	if remote.Surcharges["偏远地区"] != 10 {
		t.Errorf("remote area surcharge = %v", remote.Surcharges["偏远地区"])
	}

	same := templateQuote(Request{Origin: "上海", Destination: "上海市", WeightKg: 1})
	if _, ok := same.Surcharges["跨省"]; ok {
		t.Error("intra-province route charged 跨省")
	}
}

func TestEtaMinutes(t *testing.T) {
	tests := []struct {
		level string
		want  int
	}{
		{ServiceUrgent, 720},
		{ServiceExpress, 1440},
		{ServiceStandard, 2880},
		{"", 2880},
	}
	for _, tt := range tests {
		if got := etaMinutes(tt.level); got != tt.want {
			t.Errorf("etaMinutes(%q) = %d, want %d", tt.level, got, tt.want)
		}
	}
}
