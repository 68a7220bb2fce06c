package quote

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Route is one origin/destination pair for cache prewarming.
type Route struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
}

// Engine orchestrates the quote source chain:
// api → hot_cache → cost_table → fallback_template.
//
// GetQuote never returns an error; the chain terminates in the builtin
// template quote with fallback_used set and fallback_reason populated.
type Engine struct {
	cfg       Config
	remote    RemoteProvider // nil in rule_only mode
	rule      *RuleProvider
	cache     *tieredCache
	breaker   *gobreaker.CircuitBreaker
	snapshots *SnapshotStore // optional
	logger    *slog.Logger

	refreshMu  sync.Mutex
	refreshing map[string]bool
}

// NewEngine creates a quote engine. remote may be nil, which forces
// rule-only behaviour regardless of cfg.Mode. snapshots may be nil to skip
// persistence.
func NewEngine(cfg Config, remote RemoteProvider, rule *RuleProvider, snapshots *SnapshotStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:        cfg,
		remote:     remote,
		rule:       rule,
		cache:      newTieredCache(cfg.HotTTL, cfg.TTL, cfg.MaxStale),
		snapshots:  snapshots,
		logger:     logger.With("component", "quote.Engine"),
		refreshing: make(map[string]bool),
	}
	threshold := cfg.CircuitFailThreshold
	if threshold <= 0 {
		threshold = 3
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "quote-remote",
		MaxRequests: 1, // single half-open probe
		Timeout:     cfg.CircuitOpenWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("remote quote circuit state changed",
				"from", from.String(), "to", to.String())
		},
	})
	return e
}

// GetQuote returns a quote for the request, serving from cache when
// possible. A stale primary-cache hit is returned synchronously while a
// background refresh recomputes the entry.
func (e *Engine) GetQuote(ctx context.Context, req Request) *Result {
	start := time.Now()
	key := CacheKey(req)

	if hot := e.cache.getHot(key); hot != nil {
		hot.CacheHit = true
		hot.Snapshot.LatencyMs = time.Since(start).Milliseconds()
		e.logger.Debug("hot cache hit", "cache_key", key)
		return hot
	}

	if cached, stale := e.cache.getPrimary(key); cached != nil {
		cached.CacheHit = true
		cached.Stale = stale
		cached.Snapshot.LatencyMs = time.Since(start).Milliseconds()
		if stale {
			e.logger.Debug("stale cache hit, refreshing in background", "cache_key", key)
			e.refreshAsync(req, key)
		}
		return cached
	}

	result := e.compute(ctx, req)
	e.finalize(result, req, key, start)
	e.cache.put(key, result)
	e.persistSnapshot(result)
	return result
}

// refreshAsync recomputes a cache entry in the background, at most one
// refresh per key at a time.
func (e *Engine) refreshAsync(req Request, key string) {
	e.refreshMu.Lock()
	if e.refreshing[key] {
		e.refreshMu.Unlock()
		return
	}
	e.refreshing[key] = true
	e.refreshMu.Unlock()

	go func() {
		defer func() {
			e.refreshMu.Lock()
			delete(e.refreshing, key)
			e.refreshMu.Unlock()
		}()
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), e.refreshBudget())
		defer cancel()
		result := e.compute(ctx, req)
		e.finalize(result, req, key, start)
		e.cache.put(key, result)
		e.persistSnapshot(result)
		e.logger.Debug("background refresh complete", "cache_key", key, "provider", result.Provider)
	}()
}

func (e *Engine) refreshBudget() time.Duration {
	attempts := e.cfg.RetryTimes
	if attempts < 1 {
		attempts = 1
	}
	budget := time.Duration(attempts)*e.cfg.Timeout + 5*time.Second
	return budget
}

// compute walks the source chain and records every consulted source.
func (e *Engine) compute(ctx context.Context, req Request) *Result {
	var chain []string

	if e.cfg.Mode == "hybrid" && e.remote != nil {
		result, err := e.callRemote(ctx, req)
		if err == nil {
			chain = append(chain, SourceAPI)
			result.Snapshot.ProviderChain = chain
			return result
		}

		suppressed := errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
		reason := err.Error()
		if suppressed {
			reason = ErrCircuitOpen.Error()
		} else {
			chain = append(chain, SourceAPI)
		}
		return e.fallback(req, chain, reason)
	}

	// rule_only: only the cost table is consulted.
	result, err := e.rule.Quote(req)
	if err != nil {
		result = templateQuote(req)
		result.Snapshot.ProviderChain = append(chain, SourceCostTable, SourceTemplate)
		result.Snapshot.FallbackReason = err.Error()
		return result
	}
	result.Snapshot.ProviderChain = append(chain, SourceCostTable)
	return result
}

// fallback is the chain walked after the remote source failed or was
// suppressed: hot cache, cost table, builtin template.
func (e *Engine) fallback(req Request, chain []string, reason string) *Result {
	chain = append(chain, SourceHotCacheMiss)

	// The hot tier may have been populated by a concurrent request since the
	// initial lookup missed.
	if hot := e.cache.getHot(CacheKey(req)); hot != nil {
		hot.FallbackUsed = true
		hot.Snapshot.ProviderChain = append(chain, SourceHotCache)
		hot.Snapshot.FallbackReason = reason
		return hot
	}

	result, err := e.rule.Quote(req)
	if err == nil {
		result.FallbackUsed = true
		result.Snapshot.ProviderChain = append(chain, SourceCostTable)
		result.Snapshot.FallbackReason = reason
		return result
	}

	result = templateQuote(req)
	result.Snapshot.ProviderChain = append(chain, SourceCostTable, SourceTemplate)
	result.Snapshot.FallbackReason = reason + "; " + err.Error()
	return result
}

// callRemote runs the remote provider through the circuit breaker with the
// configured retry budget. One breaker execution covers the whole budget, so
// a request that exhausts its retries counts as a single failure.
func (e *Engine) callRemote(ctx context.Context, req Request) (*Result, error) {
	out, err := e.breaker.Execute(func() (interface{}, error) {
		attempts := e.cfg.RetryTimes
		if attempts < 1 {
			attempts = 1
		}
		var lastErr error
		for i := 0; i < attempts; i++ {
			attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
			result, err := e.remote.Quote(attemptCtx, req)
			cancel()
			if err == nil {
				return result, nil
			}
			lastErr = err
			e.logger.Debug("remote quote attempt failed",
				"attempt", i+1, "attempts", attempts, "error", err)
		}
		return nil, lastErr
	})
	if err != nil {
		return nil, err
	}
	return out.(*Result), nil
}

// finalize applies the safety margin, stamps latency and key, and enriches
// the explain block.
func (e *Engine) finalize(result *Result, req Request, key string, start time.Time) {
	result.TotalFee = round2(result.TotalFee * (1 + e.cfg.SafetyMargin))
	result.Snapshot.CacheKey = key
	result.Snapshot.LatencyMs = time.Since(start).Milliseconds()

	if result.Explain == nil {
		result.Explain = map[string]string{}
	}
	result.Explain["normalized_origin"] = NormalizePlace(req.Origin)
	result.Explain["normalized_destination"] = NormalizePlace(req.Destination)
	result.Explain["engine_version"] = EngineVersion
	if _, ok := result.Explain["courier"]; !ok {
		courier := req.Courier
		if courier == "" || courier == "auto" {
			courier = e.cfg.DefaultCourier
		}
		result.Explain["courier"] = courier
	}
}

func (e *Engine) persistSnapshot(result *Result) {
	if e.snapshots == nil {
		return
	}
	if err := e.snapshots.Insert(result); err != nil {
		e.logger.Error("failed to persist quote snapshot",
			"cache_key", result.Snapshot.CacheKey, "error", err)
	}
}

// PrewarmCache issues standard-weight quotes for the top routes. Failures
// are logged and do not abort the remaining routes.
func (e *Engine) PrewarmCache(ctx context.Context, routes []Route) {
	if len(routes) > 20 {
		routes = routes[:20]
	}
	for _, route := range routes {
		req := Request{
			Origin:       route.Origin,
			Destination:  route.Destination,
			WeightKg:     1,
			ServiceLevel: ServiceStandard,
			Courier:      "auto",
		}
		result := e.GetQuote(ctx, req)
		if result.Provider == SourceTemplate {
			e.logger.Warn("prewarm fell through to template quote",
				"origin", route.Origin, "destination", route.Destination,
				"reason", result.Snapshot.FallbackReason)
		}
	}
	e.logger.Info("cache prewarm complete", "routes", len(routes))
}

// Health reports provider-level health plus circuit and cache state.
func (e *Engine) Health() map[string]interface{} {
	h := map[string]interface{}{
		"engine_version": EngineVersion,
		"mode":           e.cfg.Mode,
		"circuit_state":  e.breaker.State().String(),
		"hot_cache_size": e.cache.hotSize(),
		"rule_provider": map[string]interface{}{
			"pricing_rule_version": e.rule.RuleVersion(),
			"cost_version":         e.rule.source.Version(),
		},
	}
	if e.remote != nil {
		h["remote_provider"] = e.remote.Name()
	}
	return h
}
