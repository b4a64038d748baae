package dynconfig

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"

	"github.com/vllm-project/llm-router/internal/discovery"
	"github.com/vllm-project/llm-router/internal/policy"
	"github.com/vllm-project/llm-router/internal/redis"
	"github.com/vllm-project/llm-router/internal/registry"
	"github.com/vllm-project/llm-router/internal/stats"
)

// Handle is the atomic unit a Watcher publishes: a registry and the policy
// that interprets it, built from the same Document generation. A caller
// that loads one Handle and routes against it never sees a registry from
// generation N paired with a policy from generation N+1 (spec.md §8
// invariant 8), because the two are constructed together and swapped with a
// single pointer store.
type Handle struct {
	Registry *registry.Registry
	Policy   policy.Policy
	Document Document
}

// Dependencies are the long-lived collaborators a rebuilt policy closes
// over. They outlive any single Document generation; only the discovery
// provider and the policy itself are rebuilt on reload.
type Dependencies struct {
	Logger            *zap.Logger
	RequestTracker    *stats.RequestTracker
	EngineScraper     *stats.EngineScraper
	Redis             *redis.Client
	K8sClient         kubernetes.Interface
	PrefixOverloadCap int64
}

// Watcher re-reads a dynamic-config JSON file on an interval, and on a
// content change rebuilds a full (discovery provider, policy) pair and
// publishes it as one Handle (spec.md §4.5, §8).
type Watcher struct {
	path string
	deps Dependencies

	poll time.Duration

	current  atomic.Pointer[Handle]
	lastHash [32]byte

	activeCancel context.CancelFunc
}

// NewWatcher loads and validates the document at path, builds the initial
// (discovery, policy) pair, and returns a Watcher ready to Run. A failure
// here is startup-fatal: cmd/router exits with code 2 (spec.md §6).
func NewWatcher(path string, deps Dependencies, poll time.Duration) (*Watcher, error) {
	if poll <= 0 {
		poll = 10 * time.Second
	}
	w := &Watcher{path: path, deps: deps, poll: poll}

	doc, raw, err := loadDocument(path)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("dynamic config %s: %w", path, err)
	}

	handle, cancel, err := w.build(*doc)
	if err != nil {
		return nil, fmt.Errorf("dynamic config %s: initial build failed: %w", path, err)
	}
	w.current.Store(handle)
	w.activeCancel = cancel
	w.lastHash = sha256.Sum256(raw)
	return w, nil
}

// Current returns the latest published Handle. Never nil after NewWatcher
// succeeds.
func (w *Watcher) Current() *Handle {
	return w.current.Load()
}

// Run polls the file until ctx is cancelled, swapping in a new Handle on
// every content change that passes validation. Stopped discovery providers
// are cancelled only after the replacement has already been published, so a
// reader can never observe a gap.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	defer func() {
		if w.activeCancel != nil {
			w.activeCancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	doc, raw, err := loadDocument(w.path)
	if err != nil {
		w.deps.Logger.Warn("dynamic config: reload failed, keeping last good config", zap.Error(err))
		return
	}
	hash := sha256.Sum256(raw)
	if bytes.Equal(hash[:], w.lastHash[:]) {
		return
	}
	if err := doc.Validate(); err != nil {
		w.deps.Logger.Warn("dynamic config: new document failed validation, keeping last good config", zap.Error(err))
		return
	}

	handle, cancel, err := w.build(*doc)
	if err != nil {
		w.deps.Logger.Warn("dynamic config: failed to build new config, keeping last good config", zap.Error(err))
		return
	}

	previousCancel := w.activeCancel
	w.current.Store(handle)
	w.activeCancel = cancel
	w.lastHash = hash
	w.deps.Logger.Info("dynamic config: swapped to new generation",
		zap.String("service_discovery", doc.ServiceDiscovery),
		zap.String("routing_logic", doc.RoutingLogic))

	if previousCancel != nil {
		previousCancel()
	}
}

// build constructs a fresh registry, starts its discovery provider, and
// builds the policy that interprets it, returning the three bound together
// plus a cancel func stopping the provider's background loop.
func (w *Watcher) build(doc Document) (*Handle, context.CancelFunc, error) {
	reg := registry.New()

	ctx, cancel := context.WithCancel(context.Background())

	provider, err := w.buildProvider(doc, reg)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	go func() {
		if err := provider.Run(ctx); err != nil {
			w.deps.Logger.Error("discovery provider exited", zap.Error(err))
		}
	}()

	pol, err := w.buildPolicy(doc)
	if err != nil {
		cancel()
		provider.Close()
		return nil, nil, err
	}

	combinedCancel := func() {
		cancel()
		provider.Close()
	}

	return &Handle{Registry: reg, Policy: pol, Document: doc}, combinedCancel, nil
}

func (w *Watcher) buildProvider(doc Document, reg *registry.Registry) (discovery.Provider, error) {
	switch doc.ServiceDiscovery {
	case "static":
		return discovery.NewStatic(discovery.StaticConfig{
			Backends:   doc.StaticBackends,
			Models:     doc.StaticModels,
			ModelTypes: doc.StaticModelTypes,
			Labels:     doc.StaticLabels,
		}, reg)
	case "cluster":
		if w.deps.K8sClient == nil {
			return nil, fmt.Errorf("cluster discovery requested but no Kubernetes client is configured")
		}
		return discovery.NewCluster(w.deps.K8sClient, discovery.ClusterConfig{
			Namespace:     doc.K8sNamespace,
			LabelSelector: doc.K8sLabelSelector,
			Port:          doc.K8sPort,
		}, reg, w.deps.Logger)
	default:
		return nil, fmt.Errorf("unknown service_discovery %q", doc.ServiceDiscovery)
	}
}

// FixedSource is a Source that never reloads, used when
// dynamic-config-json is unset and the initial static configuration is
// the only generation the process will ever serve.
type FixedSource struct {
	handle *Handle
}

// NewFixedSource wraps a single, permanently-published (registry, policy)
// pair so the proxy front can depend on the same Source interface
// regardless of whether hot-reload is enabled.
func NewFixedSource(reg *registry.Registry, pol policy.Policy, doc Document) *FixedSource {
	return &FixedSource{handle: &Handle{Registry: reg, Policy: pol, Document: doc}}
}

func (f *FixedSource) Current() *Handle { return f.handle }

func (w *Watcher) buildPolicy(doc Document) (policy.Policy, error) {
	switch doc.RoutingLogic {
	case "roundrobin":
		return policy.NewRoundRobin(), nil
	case "least_loaded":
		return policy.NewLeastLoaded(w.deps.RequestTracker, w.deps.EngineScraper), nil
	case "session":
		return policy.NewSession(w.deps.Redis, w.deps.Logger, policy.NewRoundRobin())
	case "prefix":
		return policy.NewPrefix(w.deps.RequestTracker, w.deps.PrefixOverloadCap, policy.NewLeastLoaded(w.deps.RequestTracker, w.deps.EngineScraper))
	case "disaggregated_prefill":
		return policy.NewDisaggregated(doc.PrefillModelLabels, doc.DecodeModelLabels, nil, nil)
	default:
		return nil, fmt.Errorf("unknown routing_logic %q", doc.RoutingLogic)
	}
}
