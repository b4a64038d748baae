package policy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vllm-project/llm-router/internal/registry"
)

func eps(urls ...string) []registry.Endpoint {
	out := make([]registry.Endpoint, len(urls))
	for i, u := range urls {
		out[i] = registry.Endpoint{URL: u, Model: "m"}
	}
	return out
}

func TestRoundRobinCyclesInOrder(t *testing.T) {
	rr := NewRoundRobin()
	candidates := eps("a", "b", "c")

	var got []string
	for i := 0; i < 7; i++ {
		e, err := rr.Choose(candidates, Request{})
		assert.NoError(t, err)
		got = append(got, e.URL)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a"}, got)
}

func TestRoundRobinEmptyCandidates(t *testing.T) {
	rr := NewRoundRobin()
	_, err := rr.Choose(nil, Request{})
	assert.ErrorIs(t, err, ErrNoCandidate)
}

func TestRoundRobinConcurrentIsFair(t *testing.T) {
	rr := NewRoundRobin()
	candidates := eps("a", "b")

	counts := make(map[string]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := rr.Choose(candidates, Request{})
			assert.NoError(t, err)
			mu.Lock()
			counts[e.URL]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counts["a"])
	assert.Equal(t, 100, counts["b"])
}
