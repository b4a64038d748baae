package policy

import (
	"sort"

	"github.com/vllm-project/llm-router/internal/registry"
	"github.com/vllm-project/llm-router/internal/stats"
)

// RequestLoadSource reports the current in-flight request count for a
// backend, as tracked by internal/stats.RequestTracker.
type RequestLoadSource interface {
	InFlight(url string) int64
}

// EngineLoadSource reports the last engine-reported snapshot for a
// backend, as tracked by internal/stats.EngineScraper.
type EngineLoadSource interface {
	Snapshot(url string) (stats.EngineSnapshot, bool)
}

// LeastLoaded ranks candidates by ascending in-flight request count
// (spec.md §4.4), breaking ties first by ascending engine-reported pending
// requests, then by URL for full determinism. Candidates whose last engine
// scrape is stale are ranked after every non-stale candidate, per spec.md
// §7 — a stale backend is still tried if nothing else is available.
type LeastLoaded struct {
	requests RequestLoadSource
	engine   EngineLoadSource
}

// NewLeastLoaded builds a LeastLoaded policy reading load from the given
// sources.
func NewLeastLoaded(requests RequestLoadSource, engine EngineLoadSource) *LeastLoaded {
	return &LeastLoaded{requests: requests, engine: engine}
}

func (l *LeastLoaded) Name() string { return "least_loaded" }

type scoredEndpoint struct {
	endpoint registry.Endpoint
	inFlight int64
	pending  float64
	stale    bool
}

// Choose returns ErrNoCandidate if candidates is empty.
func (l *LeastLoaded) Choose(candidates []registry.Endpoint, _ Request) (registry.Endpoint, error) {
	if len(candidates) == 0 {
		return registry.Endpoint{}, ErrNoCandidate
	}

	scored := make([]scoredEndpoint, len(candidates))
	for i, ep := range candidates {
		se := scoredEndpoint{endpoint: ep}
		if l.requests != nil {
			se.inFlight = l.requests.InFlight(ep.URL)
		}
		if l.engine != nil {
			if snap, ok := l.engine.Snapshot(ep.URL); ok {
				se.pending = snap.WaitingRequests
				se.stale = snap.Stale
			}
		}
		scored[i] = se
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.stale != b.stale {
			return !a.stale // non-stale sorts first
		}
		if a.inFlight != b.inFlight {
			return a.inFlight < b.inFlight
		}
		if a.pending != b.pending {
			return a.pending < b.pending
		}
		return a.endpoint.URL < b.endpoint.URL
	})

	return scored[0].endpoint, nil
}
