// Package registry holds the process-wide authoritative mapping of backend
// URL to the model it serves (spec.md §3 BackendEndpoint). It is written
// only by discovery providers and read concurrently by everything else:
// writers publish a new immutable snapshot rather than mutating state in
// place, so a reader that grabbed a snapshot at request entry never observes
// a partial membership change (spec.md §5, §9).
package registry

import (
	"sort"
	"sync/atomic"
	"time"
)

// ModelType enumerates the kind of inference a backend serves.
type ModelType string

const (
	ModelTypeChat       ModelType = "chat"
	ModelTypeCompletion ModelType = "completion"
	ModelTypeEmbedding  ModelType = "embedding"
	ModelTypeRerank     ModelType = "rerank"
)

// Endpoint is a single model-serving backend (spec.md §3 BackendEndpoint).
// URL is the unique primary key; two endpoints may share a model name.
type Endpoint struct {
	URL         string
	Model       string
	ModelType   ModelType
	Labels      map[string]string
	FirstSeen   time.Time
}

// Snapshot is an immutable, sorted-by-URL view of the registry at one point
// in time. The sort makes round-robin selection deterministic per spec.md §4.4.
type Snapshot struct {
	endpoints []Endpoint
}

// Endpoints returns the snapshot's endpoints in stable URL order. The
// returned slice must not be mutated by the caller.
func (s *Snapshot) Endpoints() []Endpoint {
	if s == nil {
		return nil
	}
	return s.endpoints
}

// ForModel returns the subset of endpoints serving the given model name,
// preserving URL order.
func (s *Snapshot) ForModel(model string) []Endpoint {
	if s == nil {
		return nil
	}
	out := make([]Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		if e.Model == model {
			out = append(out, e)
		}
	}
	return out
}

// Models returns the set of distinct model names present in the snapshot.
func (s *Snapshot) Models() []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]bool, len(s.endpoints))
	out := make([]string, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		if !seen[e.Model] {
			seen[e.Model] = true
			out = append(out, e.Model)
		}
	}
	return out
}

// Lookup returns the endpoint for a URL still present in the snapshot.
func (s *Snapshot) Lookup(url string) (Endpoint, bool) {
	if s == nil {
		return Endpoint{}, false
	}
	for _, e := range s.endpoints {
		if e.URL == url {
			return e, true
		}
	}
	return Endpoint{}, false
}

// NewSnapshot builds a Snapshot from an unordered endpoint list, sorting by
// URL so that round-robin selection over the snapshot is deterministic
// regardless of discovery order (spec.md §4.4).
func NewSnapshot(endpoints []Endpoint) *Snapshot {
	cp := make([]Endpoint, len(endpoints))
	copy(cp, endpoints)
	sort.Slice(cp, func(i, j int) bool { return cp[i].URL < cp[j].URL })
	return &Snapshot{endpoints: cp}
}

// Registry holds the latest published Snapshot behind an atomic pointer.
// Publish is called only by discovery providers; Current is safe for
// unbounded concurrent readers.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{}
	r.current.Store(NewSnapshot(nil))
	return r
}

// Current returns the latest published snapshot. Never nil.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Publish atomically replaces the current snapshot.
func (r *Registry) Publish(s *Snapshot) {
	r.current.Store(s)
}
