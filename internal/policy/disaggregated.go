package policy

import (
	"fmt"

	"github.com/vllm-project/llm-router/internal/registry"
)

// Disaggregated partitions candidates into prefill and decode subsets by
// label (spec.md §4.4 disaggregated_prefill) and chooses independently
// within each using nested policies (typically round-robin). Choose
// returns the prefill pick; PrepareDecode returns the decode pick for the
// same request, since the HTTP proxy front needs both to orchestrate a
// prefill-then-decode request pair.
type Disaggregated struct {
	prefillLabel, decodeLabel string
	prefillValue, decodeValue string
	prefillPolicy, decodePolicy Policy
}

// NewDisaggregated builds a disaggregated-prefill policy. prefillSelector
// and decodeSelector are single "key=value" label selectors (spec.md §6
// --prefill-model-labels / --decode-model-labels) partitioning the
// candidate set; nested chooses round-robin over each partition unless an
// override is supplied.
func NewDisaggregated(prefillSelector, decodeSelector string, prefillPolicy, decodePolicy Policy) (*Disaggregated, error) {
	pk, pv, err := splitSelector(prefillSelector)
	if err != nil {
		return nil, fmt.Errorf("prefill label selector: %w", err)
	}
	dk, dv, err := splitSelector(decodeSelector)
	if err != nil {
		return nil, fmt.Errorf("decode label selector: %w", err)
	}
	if prefillPolicy == nil {
		prefillPolicy = NewRoundRobin()
	}
	if decodePolicy == nil {
		decodePolicy = NewRoundRobin()
	}
	return &Disaggregated{
		prefillLabel: pk, prefillValue: pv,
		decodeLabel: dk, decodeValue: dv,
		prefillPolicy: prefillPolicy, decodePolicy: decodePolicy,
	}, nil
}

func splitSelector(selector string) (key, value string, err error) {
	for i, r := range selector {
		if r == '=' {
			return selector[:i], selector[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("expected key=value, got %q", selector)
}

func (d *Disaggregated) Name() string { return "disaggregated_prefill" }

func matchesLabel(ep registry.Endpoint, key, value string) bool {
	return ep.Labels[key] == value
}

func partition(candidates []registry.Endpoint, key, value string) []registry.Endpoint {
	out := make([]registry.Endpoint, 0, len(candidates))
	for _, ep := range candidates {
		if matchesLabel(ep, key, value) {
			out = append(out, ep)
		}
	}
	return out
}

// Choose returns the prefill-partition pick. ErrNoCandidate if either
// partition is empty (spec.md §4.4, §7) — a request can't be served by
// prefill alone without a decode counterpart.
func (d *Disaggregated) Choose(candidates []registry.Endpoint, req Request) (registry.Endpoint, error) {
	prefill := partition(candidates, d.prefillLabel, d.prefillValue)
	decode := partition(candidates, d.decodeLabel, d.decodeValue)
	if len(prefill) == 0 || len(decode) == 0 {
		return registry.Endpoint{}, ErrNoCandidate
	}
	return d.prefillPolicy.Choose(prefill, req)
}

// PrepareDecode returns the decode-partition pick for the same request.
// Must only be called after a successful Choose for the identical
// candidates/req, since it re-partitions independently and does not share
// state with Choose beyond the nested decode policy's own rotation.
func (d *Disaggregated) PrepareDecode(candidates []registry.Endpoint, req Request) (registry.Endpoint, error) {
	decode := partition(candidates, d.decodeLabel, d.decodeValue)
	if len(decode) == 0 {
		return registry.Endpoint{}, ErrNoCandidate
	}
	return d.decodePolicy.Choose(decode, req)
}
