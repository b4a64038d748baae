package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllm-project/llm-router/internal/registry"
)

func TestNewStaticPublishesSnapshot(t *testing.T) {
	reg := registry.New()
	_, err := NewStatic(StaticConfig{
		Backends: []string{"http://b", "http://a"},
		Models:   []string{"m2", "m1"},
	}, reg)
	require.NoError(t, err)

	got := reg.Current().Endpoints()
	require.Len(t, got, 2)
	assert.Equal(t, "http://a", got[0].URL)
	assert.Equal(t, "m1", got[0].Model)
}

func TestNewStaticRejectsMismatchedLengths(t *testing.T) {
	reg := registry.New()
	_, err := NewStatic(StaticConfig{
		Backends: []string{"http://a", "http://b"},
		Models:   []string{"m1"},
	}, reg)
	assert.Error(t, err)
}

func TestNewStaticRejectsEmpty(t *testing.T) {
	reg := registry.New()
	_, err := NewStatic(StaticConfig{}, reg)
	assert.Error(t, err)
}

func TestNewStaticAppliesLabelsAndModelTypes(t *testing.T) {
	reg := registry.New()
	_, err := NewStatic(StaticConfig{
		Backends:   []string{"http://a"},
		Models:     []string{"m1"},
		ModelTypes: []string{"embedding"},
		Labels:     map[string]string{"http://a": "zone=us-west,tier=prefill"},
	}, reg)
	require.NoError(t, err)

	e, ok := reg.Current().Lookup("http://a")
	require.True(t, ok)
	assert.Equal(t, registry.ModelTypeEmbedding, e.ModelType)
	assert.Equal(t, "us-west", e.Labels["zone"])
	assert.Equal(t, "prefill", e.Labels["tier"])
}

func TestStaticRunBlocksUntilCancelled(t *testing.T) {
	reg := registry.New()
	s, err := NewStatic(StaticConfig{Backends: []string{"http://a"}, Models: []string{"m"}}, reg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-done:
		t.Fatal("Run returned before context cancellation")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
