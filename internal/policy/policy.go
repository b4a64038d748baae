// Package policy implements the five routing logics named in spec.md §4.4:
// round-robin, session-affinity, least-loaded, prefix-aware, and
// disaggregated-prefill. Each Policy is swapped as a unit by
// internal/dynconfig, never mutated in place, so an in-flight request
// always sees one coherent (discovery, policy) pair (spec.md §8 invariant 8).
package policy

import (
	"errors"

	"github.com/vllm-project/llm-router/internal/registry"
)

// ErrNoCandidate is returned when a policy has no eligible endpoint to
// route to — the model isn't served by anything currently registered, or a
// disaggregated-prefill partition is empty (spec.md §7, HTTP 503).
var ErrNoCandidate = errors.New("policy: no candidate backend available")

// Request is the subset of an inbound proxy request a policy needs to make
// a routing decision. It deliberately excludes the request body beyond
// what's already been parsed (spec.md Non-goals: no body mutation beyond
// model/routing-key inspection).
type Request struct {
	Model       string // parsed from the request body
	SessionKey  string // value of the configured session header, if present
	PromptHash  string // a short fingerprint of the prompt prefix, for the prefix policy
}

// Policy chooses one endpoint from the candidates currently serving
// req.Model. Implementations must be safe for unbounded concurrent use.
type Policy interface {
	Choose(candidates []registry.Endpoint, req Request) (registry.Endpoint, error)
	// Name identifies the policy for logging/diagnostics (spec.md §6 routing-logic values).
	Name() string
}
