// Package dynconfig implements the dynamic-config hot-reload watcher named
// in spec.md §4.5: a JSON file describing service discovery and routing
// logic, re-read periodically and diffed by content hash, with a changed
// document causing a new (discovery provider, policy) pair to be built and
// published as one atomic unit — no in-flight request ever observes a
// discovery provider paired with a policy from a different document version
// (spec.md §8 invariant 8).
package dynconfig

import (
	"encoding/json"
	"fmt"
	"os"
)

// Document is the dynamic-config JSON schema (spec.md §3 DynamicConfig,
// §6). It mirrors the static config's discovery/routing fields, except
// prefix_overload_cap, which reloads do not change (the watcher takes it
// from Dependencies); the same validation rules as in internal/config apply
// here.
type Document struct {
	ServiceDiscovery string `json:"service_discovery"`

	StaticBackends   []string          `json:"static_backends,omitempty"`
	StaticModels     []string          `json:"static_models,omitempty"`
	StaticModelTypes []string          `json:"static_model_types,omitempty"`
	StaticLabels     map[string]string `json:"static_model_labels,omitempty"`

	K8sNamespace     string `json:"k8s_namespace,omitempty"`
	K8sLabelSelector string `json:"k8s_label_selector,omitempty"`
	K8sPort          int    `json:"k8s_port,omitempty"`

	RoutingLogic       string `json:"routing_logic"`
	SessionKey         string `json:"session_key,omitempty"`
	PrefillModelLabels string `json:"prefill_model_labels,omitempty"`
	DecodeModelLabels  string `json:"decode_model_labels,omitempty"`
}

var validDiscoveryModes = map[string]bool{"static": true, "cluster": true}
var validRoutingLogics = map[string]bool{
	"roundrobin": true, "session": true, "least_loaded": true,
	"prefix": true, "disaggregated_prefill": true,
}

// Validate rejects a Document that cannot be turned into a running
// (discovery, policy) pair. A reload that fails validation is logged and
// discarded — the previously published pair keeps serving (spec.md §7).
func (d *Document) Validate() error {
	if !validDiscoveryModes[d.ServiceDiscovery] {
		return fmt.Errorf("invalid service_discovery %q", d.ServiceDiscovery)
	}
	if !validRoutingLogics[d.RoutingLogic] {
		return fmt.Errorf("invalid routing_logic %q", d.RoutingLogic)
	}
	if d.ServiceDiscovery == "static" {
		if len(d.StaticBackends) == 0 {
			return fmt.Errorf("static_backends must not be empty")
		}
		if len(d.StaticBackends) != len(d.StaticModels) {
			return fmt.Errorf("static_backends (%d) and static_models (%d) must have equal length",
				len(d.StaticBackends), len(d.StaticModels))
		}
	}
	if d.ServiceDiscovery == "cluster" && d.K8sNamespace == "" {
		return fmt.Errorf("k8s_namespace is required for cluster discovery")
	}
	if d.RoutingLogic == "disaggregated_prefill" {
		if d.PrefillModelLabels == "" || d.DecodeModelLabels == "" {
			return fmt.Errorf("prefill_model_labels and decode_model_labels are required for disaggregated_prefill")
		}
	}
	return nil
}

// loadDocument reads and parses the dynamic-config file at path.
func loadDocument(path string) (*Document, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading dynamic config: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("parsing dynamic config: %w", err)
	}
	return &doc, raw, nil
}
