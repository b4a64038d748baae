package discovery

import (
	"context"
	"fmt"

	"github.com/vllm-project/llm-router/internal/registry"
)

// StaticConfig mirrors spec.md §4.1's static discovery inputs: two parallel
// comma-separated lists (URLs, models) plus optional parallel lists for
// model-type and labels.
type StaticConfig struct {
	Backends   []string
	Models     []string
	ModelTypes []string          // optional, parallel to Backends
	Labels     map[string]string // optional, backend URL -> label string (k=v,k=v)
}

// Static is the immutable-for-process-lifetime discovery provider built from
// config. It requires |URLs| = |models|, failing construction otherwise
// (spec.md §4.1).
type Static struct {
	reg *registry.Registry
}

// NewStatic validates cfg and publishes the fixed snapshot once. The
// returned error is fatal at startup (spec.md §6 exit code 2).
func NewStatic(cfg StaticConfig, reg *registry.Registry) (*Static, error) {
	if len(cfg.Backends) != len(cfg.Models) {
		return nil, fmt.Errorf("static discovery: %d backends but %d models", len(cfg.Backends), len(cfg.Models))
	}
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("static discovery: no backends configured")
	}
	if len(cfg.ModelTypes) != 0 && len(cfg.ModelTypes) != len(cfg.Backends) {
		return nil, fmt.Errorf("static discovery: %d model-types but %d backends", len(cfg.ModelTypes), len(cfg.Backends))
	}

	endpoints := make([]registry.Endpoint, len(cfg.Backends))
	for i, url := range cfg.Backends {
		mt := registry.ModelTypeChat
		if len(cfg.ModelTypes) != 0 {
			mt = registry.ModelType(cfg.ModelTypes[i])
		}
		endpoints[i] = registry.Endpoint{
			URL:       url,
			Model:     cfg.Models[i],
			ModelType: mt,
			Labels:    parseLabels(cfg.Labels[url]),
		}
	}

	reg.Publish(registry.NewSnapshot(endpoints))
	return &Static{reg: reg}, nil
}

// Run does no work and blocks until ctx is cancelled: the static snapshot
// is immutable for the provider's lifetime (spec.md §4.1).
func (s *Static) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close is a no-op; Static holds no resources.
func (s *Static) Close() {}

func parseLabels(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	key := ""
	val := ""
	inVal := false
	flush := func() {
		if key != "" {
			out[key] = val
		}
		key, val, inVal = "", "", false
	}
	for _, r := range raw {
		switch {
		case r == '=' && !inVal:
			inVal = true
		case r == ',':
			flush()
		case inVal:
			val += string(r)
		default:
			key += string(r)
		}
	}
	flush()
	return out
}
