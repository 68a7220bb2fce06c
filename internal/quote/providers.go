package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/costtable"
)

// RemoteProvider is the remote pricing API. One Quote call is one logical
// attempt; the engine owns the retry budget and the circuit breaker.
type RemoteProvider interface {
	Quote(ctx context.Context, req Request) (*Result, error)
	Name() string
}

// CostSource is the external cost-table collaborator contract.
type CostSource interface {
	FindCandidates(origin, destination, courier string) []costtable.CostRecord
	Version() string
}

// ─── Remote HTTP provider ───

// HTTPRemoteProvider calls a remote quote API over HTTP.
type HTTPRemoteProvider struct {
	url    string
	client *http.Client
}

// NewHTTPRemoteProvider creates a remote provider against the given URL.
// The per-attempt timeout is enforced via the request context.
func NewHTTPRemoteProvider(url string, timeout time.Duration) *HTTPRemoteProvider {
	return &HTTPRemoteProvider{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPRemoteProvider) Name() string { return SourceAPI }

func (p *HTTPRemoteProvider) Quote(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode quote request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrRemoteTimeout
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrRemoteTimeout
		}
		return nil, ErrRemoteTemporary
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrRemoteTemporary
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, ErrRemoteTemporary
	}
	result.Provider = SourceAPI
	if result.Currency == "" {
		result.Currency = "CNY"
	}
	if result.Confidence == 0 {
		result.Confidence = 0.95
	}
	return &result, nil
}

// ─── Rule provider over the cost table ───

// defaultThrowRatio is the volumetric divisor when a lane carries none.
const defaultThrowRatio = 6000

// RuleProvider prices a request against the loaded cost table.
type RuleProvider struct {
	source  CostSource
	version string // pricing rule version
}

// NewRuleProvider creates a rule provider over the cost source.
func NewRuleProvider(source CostSource, ruleVersion string) *RuleProvider {
	if ruleVersion == "" {
		ruleVersion = "rules-v1"
	}
	return &RuleProvider{source: source, version: ruleVersion}
}

// RuleVersion returns the pricing rule version tag.
func (p *RuleProvider) RuleVersion() string { return p.version }

// Quote computes a cost-table quote. It errors when no lane covers the
// route; the engine then falls through to the template quote.
func (p *RuleProvider) Quote(req Request) (*Result, error) {
	origin := NormalizePlace(req.Origin)
	destination := NormalizePlace(req.Destination)

	candidates := p.source.FindCandidates(origin, destination, courierOrAuto(req.Courier))
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no cost record for route %s→%s", origin, destination)
	}

	type priced struct {
		rec costtable.CostRecord
		fee float64
		bw  float64
	}
	var options []priced
	for _, rec := range candidates {
		bw := BillingWeight(req, rec.ThrowRatio)
		fee := rec.FirstCost
		if bw > 1 {
			fee += rec.ExtraCost * math.Ceil(bw-1)
		}
		options = append(options, priced{rec: rec, fee: fee, bw: bw})
	}
	sort.Slice(options, func(i, j int) bool { return options[i].fee < options[j].fee })
	best := options[0]

	result := &Result{
		Provider:   SourceCostTable,
		BaseFee:    best.rec.FirstCost,
		TotalFee:   best.fee,
		Currency:   "CNY",
		ETAMinutes: etaMinutes(req.ServiceLevel),
		Confidence: 0.85,
		Surcharges: map[string]float64{},
		Explain: map[string]string{
			"billing_weight_kg": fmt.Sprintf("%.1f", best.bw),
			"lane":              fmt.Sprintf("%s→%s", best.rec.Origin, best.rec.Destination),
		},
		Snapshot: Snapshot{
			CostSource:         best.rec.Source,
			CostVersion:        p.source.Version(),
			PricingRuleVersion: p.version,
		},
	}
	if extra := best.fee - best.rec.FirstCost; extra > 0 {
		result.Surcharges["续重"] = round2(extra)
	}
	result.Explain["courier"] = best.rec.Courier
	return result, nil
}

// BillingWeight is the chargeable weight: the max of actual weight, the
// declared volume weight, and the volumetric weight from the lane's throw
// ratio.
func BillingWeight(req Request, throwRatio float64) float64 {
	bw := req.WeightKg
	if req.VolumeWeightKg > bw {
		bw = req.VolumeWeightKg
	}
	if req.VolumeCc > 0 {
		ratio := throwRatio
		if ratio <= 0 {
			ratio = defaultThrowRatio
		}
		if vw := req.VolumeCc / ratio; vw > bw {
			bw = vw
		}
	}
	if bw <= 0 {
		bw = 1
	}
	return bw
}

// ─── Template fallback ───

// remoteAreas carry a flat surcharge in the template quote.
var remoteAreas = map[string]bool{
	"新疆": true, "西藏": true, "青海": true, "甘肃": true,
	"宁夏": true, "内蒙古": true, "海南": true,
}

// templateQuote is the last-resort heuristic quote. It never fails.
func templateQuote(req Request) *Result {
	origin := NormalizePlace(req.Origin)
	destination := NormalizePlace(req.Destination)

	base := 8.0
	surcharges := map[string]float64{}

	if origin != destination {
		surcharges["跨省"] = 4.0
	}
	bw := BillingWeight(req, defaultThrowRatio)
	if perKg := 2.0 * math.Ceil(bw); perKg > 0 {
		surcharges["重量"] = perKg
	}
	if remoteAreas[destination] {
		surcharges["偏远地区"] = 10.0
	}

	total := base
	for _, v := range surcharges {
		total += v
	}

	return &Result{
		Provider:     SourceTemplate,
		BaseFee:      base,
		Surcharges:   surcharges,
		TotalFee:     total,
		Currency:     "CNY",
		ETAMinutes:   etaMinutes(req.ServiceLevel) + 1440,
		Confidence:   0.4,
		FallbackUsed: true,
		Explain: map[string]string{
			"billing_weight_kg": fmt.Sprintf("%.1f", bw),
		},
		Snapshot: Snapshot{
			CostSource:         "builtin_template",
			PricingRuleVersion: "template-v1",
		},
	}
}

func etaMinutes(serviceLevel string) int {
	switch serviceLevel {
	case ServiceUrgent:
		return 720
	case ServiceExpress:
		return 1440
	default:
		return 2880
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
