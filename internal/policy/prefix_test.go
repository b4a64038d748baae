package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixStickyForSameFingerprint(t *testing.T) {
	p, err := NewPrefix(nil, 0, NewRoundRobin())
	require.NoError(t, err)

	candidates := eps("a", "b", "c")
	req := Request{PromptHash: "abc123"}

	first, err := p.Choose(candidates, req)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := p.Choose(candidates, req)
		require.NoError(t, err)
		assert.Equal(t, first.URL, again.URL)
	}
}

func TestPrefixNoFingerprintUsesFallbackEachTime(t *testing.T) {
	p, err := NewPrefix(nil, 0, NewRoundRobin())
	require.NoError(t, err)

	candidates := eps("a", "b")
	var got []string
	for i := 0; i < 4; i++ {
		e, err := p.Choose(candidates, Request{})
		require.NoError(t, err)
		got = append(got, e.URL)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, got)
}

func TestPrefixFallsBackWhenBoundBackendGone(t *testing.T) {
	p, err := NewPrefix(nil, 0, NewRoundRobin())
	require.NoError(t, err)

	req := Request{PromptHash: "xyz"}
	first, err := p.Choose(eps("a", "b"), req)
	require.NoError(t, err)

	var without []string
	for _, e := range eps("a", "b") {
		if e.URL != first.URL {
			without = append(without, e.URL)
		}
	}
	second, err := p.Choose(eps(without...), req)
	require.NoError(t, err)
	assert.Equal(t, without[0], second.URL)
}

func TestPrefixEmptyCandidates(t *testing.T) {
	p, err := NewPrefix(nil, 0, nil)
	require.NoError(t, err)
	_, err = p.Choose(nil, Request{PromptHash: "x"})
	assert.ErrorIs(t, err, ErrNoCandidate)
}

func TestPrefixFallsBackWhenCachedBackendOverloaded(t *testing.T) {
	requests := &fakeLoadSource{inflight: map[string]int64{"a": 0, "b": 0}}
	p, err := NewPrefix(requests, 2, NewRoundRobin())
	require.NoError(t, err)

	candidates := eps("a", "b")
	req := Request{PromptHash: "abc123"}

	first, err := p.Choose(candidates, req)
	require.NoError(t, err)

	requests.inflight[first.URL] = 2 // at the cap: overloaded

	second, err := p.Choose(candidates, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.URL, second.URL)

	requests.inflight[first.URL] = 1 // back under the cap
	third, err := p.Choose(candidates, req)
	require.NoError(t, err)
	assert.Equal(t, second.URL, third.URL)
}
