package policy

import (
	"sync/atomic"

	"github.com/vllm-project/llm-router/internal/registry"
)

// RoundRobin cycles through candidates in the stable URL order
// internal/registry.Snapshot already guarantees, via a single atomic
// fetch-and-increment cursor (spec.md §3 RoundRobinCursor). Determinism
// across calls requires the caller to pass a candidate slice in the same
// relative order each time, which registry.Snapshot.ForModel provides.
type RoundRobin struct {
	cursor uint64
}

// NewRoundRobin returns a fresh round-robin policy starting at index 0.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Name() string { return "roundrobin" }

// Choose returns ErrNoCandidate if candidates is empty, otherwise the next
// candidate in rotation.
func (r *RoundRobin) Choose(candidates []registry.Endpoint, _ Request) (registry.Endpoint, error) {
	if len(candidates) == 0 {
		return registry.Endpoint{}, ErrNoCandidate
	}
	n := atomic.AddUint64(&r.cursor, 1) - 1
	return candidates[n%uint64(len(candidates))], nil
}
