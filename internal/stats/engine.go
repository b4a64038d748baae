// Package stats implements the two stats collectors named in spec.md §4.2
// and §4.3: a periodic scraper that pulls Prometheus-format engine metrics
// from each backend's /metrics endpoint, and a sliding-window tracker of
// request counts/latency observed at the proxy front itself.
package stats

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/vllm-project/llm-router/internal/registry"
)

// EngineSnapshot is the most recent engine-reported load signal for one
// backend (spec.md §3 EngineStatsSnapshot). Stale is true when the last
// scrape attempt for this URL failed or timed out; consumers (the
// least-loaded policy) treat stale endpoints as lowest priority rather than
// dropping them outright (spec.md §7).
type EngineSnapshot struct {
	URL                  string
	RunningRequests      float64
	WaitingRequests      float64
	FinishedRequests     float64 // monotonic counter, resets only on backend restart
	TTFTSecondsAvg       float64 // mean time-to-first-token observed by the backend
	UptimeSeconds        float64
	GPUCacheUsagePercent float64
	ScrapedAt            time.Time
	Stale                bool
}

// EngineScraper periodically fetches /metrics from every backend currently
// in the registry and publishes a snapshot map keyed by URL. Reads of the
// published map take RLock; writes replace the whole map under Lock (same immutable-publish discipline as internal/registry, just
// without the extra pointer indirection since the map is already replaced
// wholesale each cycle).
type EngineScraper struct {
	reg    *registry.Registry
	client *http.Client
	logger *zap.Logger

	interval time.Duration
	timeout  time.Duration
	fanout   int

	mu      sync.RWMutex
	current map[string]EngineSnapshot
}

// NewEngineScraper builds a scraper. interval is the cycle period (spec.md
// §4.2 default 30s), timeout bounds each individual backend scrape (default
// 5s), and fanout bounds how many backends are scraped concurrently in one
// cycle (default 32).
func NewEngineScraper(reg *registry.Registry, logger *zap.Logger, interval, timeout time.Duration, fanout int) *EngineScraper {
	if fanout <= 0 {
		fanout = 32
	}
	return &EngineScraper{
		reg:      reg,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		fanout:   fanout,
		current:  map[string]EngineSnapshot{},
	}
}

// Snapshot returns the EngineSnapshot for url, if the latest completed
// cycle recorded one (stale or not). Each cycle replaces the whole map, so a
// URL that has left the registry has no snapshot after the next cycle.
func (s *EngineScraper) Snapshot(url string) (EngineSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.current[url]
	return snap, ok
}

// All returns a copy of every recorded snapshot, keyed by URL.
func (s *EngineScraper) All() map[string]EngineSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]EngineSnapshot, len(s.current))
	for k, v := range s.current {
		out[k] = v
	}
	return out
}

// Run drives the scrape loop until ctx is cancelled.
func (s *EngineScraper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle scrapes every endpoint currently in the registry with bounded
// concurrency, then publishes the merged result. A cycle superseded by
// context cancellation mid-flight discards its partial results rather than
// merging them, per spec.md §4.2 "discard late responses."
func (s *EngineScraper) runCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, s.timeout+time.Second)
	defer cancel()

	endpoints := s.reg.Current().Endpoints()
	sem := make(chan struct{}, s.fanout)
	var wg sync.WaitGroup
	results := make(chan EngineSnapshot, len(endpoints))

	for _, ep := range endpoints {
		ep := ep
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results <- s.scrapeOne(cycleCtx, ep.URL)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	merged := make(map[string]EngineSnapshot, len(endpoints))
	for snap := range results {
		if cycleCtx.Err() != nil {
			s.logger.Debug("engine scrape cycle superseded, discarding remaining results")
			return
		}
		merged[snap.URL] = snap
	}

	s.mu.Lock()
	s.current = merged
	s.mu.Unlock()
}

func (s *EngineScraper) scrapeOne(ctx context.Context, url string) EngineSnapshot {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	snap := EngineSnapshot{URL: url, ScrapedAt: time.Now()}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url+"/metrics", nil)
	if err != nil {
		s.logger.Debug("engine scrape: building request failed", zap.String("url", url), zap.Error(err))
		snap.Stale = true
		return snap
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("engine scrape failed", zap.String("url", url), zap.Error(err))
		snap.Stale = true
		return snap
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Debug("engine scrape returned non-200", zap.String("url", url), zap.Int("status", resp.StatusCode))
		snap.Stale = true
		return snap
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.logger.Debug("engine scrape: reading body failed", zap.String("url", url), zap.Error(err))
		snap.Stale = true
		return snap
	}

	families, err := parseExposition(body)
	if err != nil {
		s.logger.Debug("engine scrape: parsing exposition format failed", zap.String("url", url), zap.Error(err))
		snap.Stale = true
		return snap
	}

	snap.RunningRequests = gaugeValue(families, "vllm:num_requests_running")
	snap.WaitingRequests = gaugeValue(families, "vllm:num_requests_waiting")
	snap.GPUCacheUsagePercent = gaugeValue(families, "vllm:gpu_cache_usage_perc") * 100
	snap.FinishedRequests = counterValue(families, "vllm:request_success_total")
	snap.TTFTSecondsAvg = histogramMean(families, "vllm:time_to_first_token_seconds")
	snap.UptimeSeconds = uptimeSeconds(families, snap.ScrapedAt)
	return snap
}

func parseExposition(body []byte) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	return parser.TextToMetricFamilies(bytes.NewReader(body))
}

func gaugeValue(families map[string]*dto.MetricFamily, name string) float64 {
	fam, ok := families[name]
	if !ok || len(fam.Metric) == 0 {
		return 0
	}
	var sum float64
	for _, m := range fam.Metric {
		switch {
		case m.Gauge != nil:
			sum += m.Gauge.GetValue()
		case m.Untyped != nil:
			sum += m.Untyped.GetValue()
		}
	}
	return sum
}

// counterValue sums every series of a Counter family, same shape as
// gaugeValue but reading the Counter union member (spec.md §3's
// finished-requests field is a monotonic counter, not a gauge).
func counterValue(families map[string]*dto.MetricFamily, name string) float64 {
	fam, ok := families[name]
	if !ok || len(fam.Metric) == 0 {
		return 0
	}
	var sum float64
	for _, m := range fam.Metric {
		if m.Counter != nil {
			sum += m.Counter.GetValue()
		}
	}
	return sum
}

// histogramMean derives a mean observation (e.g. time-to-first-token
// seconds) from a Histogram family's aggregate sum/count, the standard way
// to get an average out of Prometheus histogram exposition without access
// to the individual observations.
func histogramMean(families map[string]*dto.MetricFamily, name string) float64 {
	fam, ok := families[name]
	if !ok || len(fam.Metric) == 0 {
		return 0
	}
	var sum float64
	var count uint64
	for _, m := range fam.Metric {
		if m.Histogram == nil {
			continue
		}
		sum += m.Histogram.GetSampleSum()
		count += m.Histogram.GetSampleCount()
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// uptimeSeconds derives backend process uptime from the standard Go/Python
// client process collector's start-time gauge, the same metric every
// Prometheus client library exports regardless of the domain metrics it
// also serves.
func uptimeSeconds(families map[string]*dto.MetricFamily, scrapedAt time.Time) float64 {
	start := gaugeValue(families, "process_start_time_seconds")
	if start == 0 {
		return 0
	}
	uptime := scrapedAt.Sub(time.Unix(int64(start), 0)).Seconds()
	if uptime < 0 {
		return 0
	}
	return uptime
}
