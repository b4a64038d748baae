package discovery

import (
	"context"
	"fmt"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"go.uber.org/zap"

	"github.com/vllm-project/llm-router/internal/registry"
)

// modelAnnotation names the pod annotation cluster discovery reads the
// served model name from. Pods without it are skipped with a warning
// (spec.md §4.1) rather than failing the whole list cycle.
const modelAnnotation = "llm-router.vllm.ai/model"

// modelTypeAnnotation optionally overrides the default chat model type.
const modelTypeAnnotation = "llm-router.vllm.ai/model-type"

// ClusterConfig parameterizes the Kubernetes pod-listing discovery
// provider (spec.md §4.1).
type ClusterConfig struct {
	Namespace     string
	LabelSelector string
	Port          int
}

// Cluster discovers backends by periodically listing Pods in a namespace,
// admitting only Running pods with a true PodReady condition, and reading
// the served model name from a pod annotation. A list failure is retried
// with exponential backoff capped at 30s, serving the last good snapshot in
// the interim (spec.md §4.1, §7).
type Cluster struct {
	client   kubernetes.Interface
	cfg      ClusterConfig
	reg      *registry.Registry
	logger   *zap.Logger
	pollEvery time.Duration

	cancel context.CancelFunc
}

// NewCluster performs one synchronous pod list to populate the registry
// before returning, so a permanently broken cluster connection (bad
// namespace, RBAC denial) is a fatal startup error (spec.md §6 exit code 2,
// SPEC_FULL §12). Subsequent failures during Run are non-fatal.
func NewCluster(client kubernetes.Interface, cfg ClusterConfig, reg *registry.Registry, logger *zap.Logger) (*Cluster, error) {
	c := &Cluster{
		client:    client,
		cfg:       cfg,
		reg:       reg,
		logger:    logger,
		pollEvery: 10 * time.Second,
	}
	if err := c.refresh(context.Background()); err != nil {
		return nil, fmt.Errorf("cluster discovery: initial pod list failed: %w", err)
	}
	return c, nil
}

// Run polls the Kubernetes API for the configured namespace/selector until
// ctx is cancelled, rebuilding and publishing a fresh snapshot each cycle.
// List failures back off exponentially from pollEvery up to 30s; the last
// published snapshot keeps serving traffic in the meantime.
func (c *Cluster) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	backoff := c.pollEvery
	const maxBackoff = 30 * time.Second

	timer := time.NewTimer(c.pollEvery)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if err := c.refresh(ctx); err != nil {
				c.logger.Warn("cluster discovery: pod list failed, serving last snapshot",
					zap.Error(err), zap.Duration("retry_in", backoff))
				timer.Reset(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = c.pollEvery
			timer.Reset(c.pollEvery)
		}
	}
}

// Close cancels the poll loop started by Run, if any.
func (c *Cluster) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Cluster) refresh(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pods, err := c.client.CoreV1().Pods(c.cfg.Namespace).List(listCtx, metav1.ListOptions{
		LabelSelector: c.cfg.LabelSelector,
	})
	if err != nil {
		if apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err) {
			return fmt.Errorf("pod list timed out: %w", err)
		}
		return fmt.Errorf("pod list failed: %w", err)
	}

	endpoints := make([]registry.Endpoint, 0, len(pods.Items))
	for _, pod := range pods.Items {
		if !podAdmissible(&pod) {
			continue
		}
		model, ok := pod.Annotations[modelAnnotation]
		if !ok || model == "" {
			c.logger.Warn("cluster discovery: pod missing model annotation, skipping",
				zap.String("pod", pod.Name), zap.String("annotation", modelAnnotation))
			continue
		}
		mt := registry.ModelTypeChat
		if raw, ok := pod.Annotations[modelTypeAnnotation]; ok && raw != "" {
			mt = registry.ModelType(raw)
		}
		endpoints = append(endpoints, registry.Endpoint{
			URL:       fmt.Sprintf("http://%s:%s", pod.Status.PodIP, strconv.Itoa(c.cfg.Port)),
			Model:     model,
			ModelType: mt,
			Labels:    pod.Labels,
			FirstSeen: pod.CreationTimestamp.Time,
		})
	}

	c.reg.Publish(registry.NewSnapshot(endpoints))
	return nil
}

func podAdmissible(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	if pod.Status.PodIP == "" {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
