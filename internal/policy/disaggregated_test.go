package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllm-project/llm-router/internal/registry"
)

func labeledEps(labels ...[2]string) []registry.Endpoint {
	out := make([]registry.Endpoint, len(labels))
	for i, kv := range labels {
		out[i] = registry.Endpoint{
			URL:    string(rune('a' + i)),
			Model:  "m",
			Labels: map[string]string{kv[0]: kv[1]},
		}
	}
	return out
}

func TestDisaggregatedPartitionsByLabel(t *testing.T) {
	d, err := NewDisaggregated("tier=prefill", "tier=decode", nil, nil)
	require.NoError(t, err)

	candidates := labeledEps([2]string{"tier", "prefill"}, [2]string{"tier", "decode"})

	chosen, err := d.Choose(candidates, Request{})
	require.NoError(t, err)
	assert.Equal(t, "a", chosen.URL)

	decodeChoice, err := d.PrepareDecode(candidates, Request{})
	require.NoError(t, err)
	assert.Equal(t, "b", decodeChoice.URL)
}

func TestDisaggregatedNoCandidateWhenPartitionEmpty(t *testing.T) {
	d, err := NewDisaggregated("tier=prefill", "tier=decode", nil, nil)
	require.NoError(t, err)

	candidates := labeledEps([2]string{"tier", "prefill"})
	_, err = d.Choose(candidates, Request{})
	assert.ErrorIs(t, err, ErrNoCandidate)
}

func TestNewDisaggregatedRejectsMalformedSelector(t *testing.T) {
	_, err := NewDisaggregated("not-a-selector", "tier=decode", nil, nil)
	assert.Error(t, err)
}
