// Package discovery implements the two interchangeable service-discovery
// providers named in spec.md §4.1: static (fixed list from config) and
// cluster (Kubernetes pod-listing, filtered by a label selector). Both
// publish full immutable snapshots directly into a shared
// internal/registry.Registry rather than mutating shared state in place or
// exposing their own read path — the registry itself is the read path for
// every other component.
package discovery

import "context"

// Provider is the discovery abstraction the dynamic-config watcher swaps at
// runtime. A Provider's constructor takes the shared *registry.Registry and
// publishes into it directly; Run only drives whatever background
// watch/poll loop keeps that registry current.
type Provider interface {
	// Run starts any background watch/poll loop and blocks until ctx is
	// cancelled. Static discovery's Run does no work and only waits for
	// cancellation (nothing to watch); cluster discovery's Run drives the
	// pod poll/backoff loop.
	Run(ctx context.Context) error
	// Close releases resources (watch connections, timers) started by Run.
	Close()
}
