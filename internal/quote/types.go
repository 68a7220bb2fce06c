// Package quote computes shipping quotes with multi-source fallback, a
// two-tier cache with stale-while-revalidate, and a circuit breaker in
// front of the remote pricing source. GetQuote never returns an error: the
// fallback chain terminates in a heuristic template quote.
package quote

import (
	"errors"
	"time"
)

// EngineVersion is recorded in every quote's explain block.
const EngineVersion = "2.3.0"

// Source names as they appear in provider chains.
const (
	SourceAPI          = "api"
	SourceHotCache     = "hot_cache"
	SourceHotCacheMiss = "hot_cache_miss"
	SourceCostTable    = "cost_table"
	SourceTemplate     = "fallback_template"
)

// Service levels.
const (
	ServiceStandard = "standard"
	ServiceExpress  = "express"
	ServiceUrgent   = "urgent"
)

// Remote provider failure classes. The messages are part of the snapshot
// contract: fallback_reason carries them verbatim.
var (
	ErrRemoteTimeout   = errors.New("Remote provider timeout")
	ErrRemoteTemporary = errors.New("Remote provider temporary failure")
	ErrCircuitOpen     = errors.New("Remote provider circuit open")
)

// Request is one quote request. Origin and destination are normalized
// before cache keying.
type Request struct {
	Origin         string  `json:"origin"`
	Destination    string  `json:"destination"`
	WeightKg       float64 `json:"weight_kg"`
	VolumeCc       float64 `json:"volume_cc,omitempty"`
	VolumeWeightKg float64 `json:"volume_weight_kg,omitempty"`
	ServiceLevel   string  `json:"service_level,omitempty"` // standard, express, urgent
	Courier        string  `json:"courier,omitempty"`       // auto or a courier name
	ItemType       string  `json:"item_type,omitempty"`
	TimeWindow     string  `json:"time_window,omitempty"`
}

// Snapshot is the per-quote persistent record.
type Snapshot struct {
	CacheKey           string   `json:"cache_key"`
	CostSource         string   `json:"cost_source"`
	CostVersion        string   `json:"cost_version,omitempty"`
	PricingRuleVersion string   `json:"pricing_rule_version"`
	LatencyMs          int64    `json:"latency_ms"`
	ProviderChain      []string `json:"provider_chain"`
	FallbackReason     string   `json:"fallback_reason,omitempty"`
}

// Result is a computed quote.
type Result struct {
	Provider   string             `json:"provider"`
	BaseFee    float64            `json:"base_fee"`
	Surcharges map[string]float64 `json:"surcharges,omitempty"`
	TotalFee   float64            `json:"total_fee"`
	Currency   string             `json:"currency"`
	ETAMinutes int                `json:"eta_minutes"`
	Confidence float64            `json:"confidence"`
	Explain    map[string]string  `json:"explain,omitempty"`

	FallbackUsed bool `json:"fallback_used"`
	CacheHit     bool `json:"cache_hit"`
	Stale        bool `json:"stale"`

	Snapshot Snapshot `json:"snapshot"`
}

// clone returns a deep copy so cached results are never aliased by callers.
func (r *Result) clone() *Result {
	cp := *r
	if r.Surcharges != nil {
		cp.Surcharges = make(map[string]float64, len(r.Surcharges))
		for k, v := range r.Surcharges {
			cp.Surcharges[k] = v
		}
	}
	if r.Explain != nil {
		cp.Explain = make(map[string]string, len(r.Explain))
		for k, v := range r.Explain {
			cp.Explain[k] = v
		}
	}
	if r.Snapshot.ProviderChain != nil {
		cp.Snapshot.ProviderChain = append([]string(nil), r.Snapshot.ProviderChain...)
	}
	return &cp
}

// Config tunes the engine.
type Config struct {
	Mode                 string // rule_only or hybrid
	RetryTimes           int
	Timeout              time.Duration
	TTL                  time.Duration
	MaxStale             time.Duration
	HotTTL               time.Duration
	SafetyMargin         float64
	CircuitFailThreshold int
	CircuitOpenWindow    time.Duration
	DefaultCourier       string
}
