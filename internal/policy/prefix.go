package policy

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vllm-project/llm-router/internal/registry"
)

// prefixTableCapacity bounds the prompt-fingerprint -> backend LRU the same
// way sessionTableCapacity bounds the session table (spec.md §4.4 prefix
// policy: "work-in-progress, bounded").
const prefixTableCapacity = 100_000

// prefixDefaultOverloadCap is the in-flight-request ceiling above which a
// cached prefix binding is treated as overloaded and the request falls
// back to the nested policy instead (spec.md §4.4: "prefer that endpoint
// if it is still registered and not overloaded (in-flight below a
// configurable cap)").
const prefixDefaultOverloadCap = 16

// Prefix routes repeat requests sharing a prompt-prefix fingerprint
// (req.PromptHash) to the same backend, so that backend's KV-cache /
// prefix-cache already holds the shared prefix (spec.md §4.4). Requests
// with no fingerprint, a previously-bound backend that has left the
// candidate set, or a previously-bound backend that is currently
// overloaded, fall back to fallback.Choose (typically least-loaded).
type Prefix struct {
	table       *lru.Cache[string, string]
	fallback    Policy
	requests    RequestLoadSource
	overloadCap int64
}

// NewPrefix builds a prefix-aware policy. requests supplies the in-flight
// counts the overload check reads; nil disables the check (a cached
// binding is never considered overloaded). overloadCap <= 0 uses
// prefixDefaultOverloadCap. fallback defaults to a fresh LeastLoaded with
// no load sources (degrades to URL-order tie-break) if nil — callers
// should normally pass a LeastLoaded wired to the running stats
// collectors.
func NewPrefix(requests RequestLoadSource, overloadCap int64, fallback Policy) (*Prefix, error) {
	table, err := lru.New[string, string](prefixTableCapacity)
	if err != nil {
		return nil, err
	}
	if fallback == nil {
		fallback = NewLeastLoaded(nil, nil)
	}
	if overloadCap <= 0 {
		overloadCap = prefixDefaultOverloadCap
	}
	return &Prefix{table: table, fallback: fallback, requests: requests, overloadCap: overloadCap}, nil
}

func (p *Prefix) Name() string { return "prefix" }

// Choose returns the endpoint previously bound to req.PromptHash if it's
// still a candidate and not overloaded; otherwise it asks fallback and
// remembers the result for subsequent requests carrying the same
// fingerprint.
func (p *Prefix) Choose(candidates []registry.Endpoint, req Request) (registry.Endpoint, error) {
	if len(candidates) == 0 {
		return registry.Endpoint{}, ErrNoCandidate
	}
	if req.PromptHash == "" {
		return p.fallback.Choose(candidates, req)
	}

	if url, ok := p.table.Get(req.PromptHash); ok {
		if ep, found := lookupURL(candidates, url); found && !p.overloaded(url) {
			return ep, nil
		}
	}

	chosen, err := p.fallback.Choose(candidates, req)
	if err != nil {
		return registry.Endpoint{}, err
	}
	p.table.Add(req.PromptHash, chosen.URL)
	return chosen, nil
}

// overloaded reports whether url's current in-flight count meets or
// exceeds the configured cap. With no RequestLoadSource wired, nothing is
// ever considered overloaded.
func (p *Prefix) overloaded(url string) bool {
	if p.requests == nil {
		return false
	}
	return p.requests.InFlight(url) >= p.overloadCap
}
