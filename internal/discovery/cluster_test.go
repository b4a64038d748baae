package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/vllm-project/llm-router/internal/registry"
)

func readyPod(name, ip, model string, labels map[string]string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   "default",
			Labels:      labels,
			Annotations: map[string]string{modelAnnotation: model},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			PodIP: ip,
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: corev1.ConditionTrue},
			},
		},
	}
}

func TestNewClusterPublishesRunningReadyPods(t *testing.T) {
	client := fake.NewSimpleClientset(
		readyPod("p1", "10.0.0.1", "llama", map[string]string{"app": "llm"}),
	)
	reg := registry.New()

	c, err := NewCluster(client, ClusterConfig{Namespace: "default", Port: 8000}, reg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, c)

	got := reg.Current().Endpoints()
	require.Len(t, got, 1)
	assert.Equal(t, "http://10.0.0.1:8000", got[0].URL)
	assert.Equal(t, "llama", got[0].Model)
}

func TestNewClusterSkipsUnreadyAndMissingModel(t *testing.T) {
	notRunning := readyPod("p2", "10.0.0.2", "llama", nil)
	notRunning.Status.Phase = corev1.PodPending

	noModel := readyPod("p3", "10.0.0.3", "", nil)
	delete(noModel.Annotations, modelAnnotation)

	client := fake.NewSimpleClientset(notRunning, noModel)
	reg := registry.New()

	c, err := NewCluster(client, ClusterConfig{Namespace: "default", Port: 8000}, reg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Empty(t, reg.Current().Endpoints())
}

func TestClusterRunRefreshesOnEachTick(t *testing.T) {
	client := fake.NewSimpleClientset(readyPod("p1", "10.0.0.1", "llama", nil))
	reg := registry.New()

	c, err := NewCluster(client, ClusterConfig{Namespace: "default", Port: 8000}, reg, zap.NewNop())
	require.NoError(t, err)
	c.pollEvery = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	_, err = client.CoreV1().Pods("default").Create(context.Background(),
		readyPod("p2", "10.0.0.2", "llama", nil), metav1.CreateOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(reg.Current().Endpoints()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestPodAdmissible(t *testing.T) {
	p := readyPod("p1", "10.0.0.1", "llama", nil)
	assert.True(t, podAdmissible(p))

	p.Status.PodIP = ""
	assert.False(t, podAdmissible(p))

	p2 := readyPod("p2", "10.0.0.2", "llama", nil)
	p2.Status.Conditions[0].Status = corev1.ConditionFalse
	assert.False(t, podAdmissible(p2))

	p3 := readyPod("p3", "10.0.0.3", "llama", nil)
	p3.Status.Phase = corev1.PodFailed
	assert.False(t, podAdmissible(p3))
}
