// Package fake provides an in-memory cluster.Client double for tests that
// exercise the adapter, file injector, and introspector without a real
// cluster.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/cuemby/remoteproc/pkg/cluster"
)

// Client is a mutex-guarded in-memory implementation of cluster.Client.
// Tests seed and mutate the Pods map directly to simulate cluster-side
// transitions (a container reaching running, a pod going terminal).
type Client struct {
	mu   sync.Mutex
	Pods map[string]*corev1.Pod

	// Logs maps "podName/containerName" to canned log output returned by
	// FetchLogs.
	Logs map[string]string

	// Uploaded records every UploadFile call, keyed by
	// "podName/containerName" followed directly by the destination path.
	Uploaded map[string][]byte

	// Namespace is the single namespace this fake serves; callers must
	// pass it to every method, mirroring the real client's signature.
	Namespace string
}

// New returns an empty fake client for namespace.
func New(namespace string) *Client {
	return &Client{
		Pods:      make(map[string]*corev1.Pod),
		Logs:      make(map[string]string),
		Uploaded:  make(map[string][]byte),
		Namespace: namespace,
	}
}

func notFound(name string) error {
	return apierrors.NewNotFound(schema.GroupResource{Resource: "pods"}, name)
}

func (c *Client) CreateOrReplacePod(_ context.Context, namespace string, pod *corev1.Pod) (*corev1.Pod, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if namespace != c.Namespace {
		return nil, fmt.Errorf("fake client bound to namespace %s, got %s", c.Namespace, namespace)
	}
	stored := pod.DeepCopy()
	c.Pods[pod.Name] = stored
	return stored.DeepCopy(), nil
}

func (c *Client) ListPodsByLabel(_ context.Context, namespace, selector string) ([]corev1.Pod, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if namespace != c.Namespace {
		return nil, nil
	}
	sel, err := metav1.ParseToLabelSelector(selector)
	if err != nil {
		return nil, fmt.Errorf("parsing selector %q: %w", selector, err)
	}
	var out []corev1.Pod
	for _, pod := range c.Pods {
		if labelsMatch(pod.Labels, sel.MatchLabels) {
			out = append(out, *pod.DeepCopy())
		}
	}
	return out, nil
}

func labelsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (c *Client) GetPod(_ context.Context, namespace, name string) (*corev1.Pod, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if namespace != c.Namespace {
		return nil, notFound(name)
	}
	pod, ok := c.Pods[name]
	if !ok {
		return nil, notFound(name)
	}
	return pod.DeepCopy(), nil
}

func (c *Client) WaitUntil(ctx context.Context, namespace, name string, timeout time.Duration, cond cluster.ConditionFunc) (*corev1.Pod, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		pod, err := c.GetPod(ctx, namespace, name)
		if err == nil && cond(pod) {
			return pod, nil
		}
		if err != nil && !apierrors.IsNotFound(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for pod %s: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) FetchLogs(_ context.Context, _, podName, containerName string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Logs[podName+"/"+containerName], nil
}

func (c *Client) UploadFile(_ context.Context, _, podName, containerName, destPath string, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Uploaded[podName+"/"+containerName+destPath] = append([]byte(nil), content...)
	return nil
}

func (c *Client) DeleteForeground(_ context.Context, namespace, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if namespace != c.Namespace {
		return nil
	}
	delete(c.Pods, name)
	return nil
}

func (c *Client) IsReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func (c *Client) IsNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}

func (c *Client) IsTerminal(pod *corev1.Pod) bool {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			return true
		}
	}
	return false
}

// SetContainerRunning marks containerName in the init-container status
// list of podName as running, the transition the file injector waits on.
func (c *Client) SetContainerRunning(podName, containerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pod, ok := c.Pods[podName]
	if !ok {
		return
	}
	for i := range pod.Status.InitContainerStatuses {
		if pod.Status.InitContainerStatuses[i].Name == containerName {
			pod.Status.InitContainerStatuses[i].State = corev1.ContainerState{
				Running: &corev1.ContainerStateRunning{StartedAt: metav1.Now()},
			}
			return
		}
	}
	pod.Status.InitContainerStatuses = append(pod.Status.InitContainerStatuses, corev1.ContainerStatus{
		Name:  containerName,
		State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{StartedAt: metav1.Now()}},
	})
}

// SetContainerTerminated marks containerName as terminated with exitCode,
// and appends the status if it is not already tracked.
func (c *Client) SetContainerTerminated(podName, containerName string, exitCode int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pod, ok := c.Pods[podName]
	if !ok {
		return
	}
	state := corev1.ContainerState{
		Terminated: &corev1.ContainerStateTerminated{ExitCode: exitCode, FinishedAt: metav1.Now()},
	}
	for i := range pod.Status.ContainerStatuses {
		if pod.Status.ContainerStatuses[i].Name == containerName {
			pod.Status.ContainerStatuses[i].State = state
			return
		}
	}
	pod.Status.ContainerStatuses = append(pod.Status.ContainerStatuses, corev1.ContainerStatus{
		Name: containerName, State: state,
	})
}

// SetReady flips the pod's PodReady condition, adding one if absent.
func (c *Client) SetReady(podName string, ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pod, ok := c.Pods[podName]
	if !ok {
		return
	}
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	for i := range pod.Status.Conditions {
		if pod.Status.Conditions[i].Type == corev1.PodReady {
			pod.Status.Conditions[i].Status = status
			return
		}
	}
	pod.Status.Conditions = append(pod.Status.Conditions, corev1.PodCondition{
		Type: corev1.PodReady, Status: status,
	})
}

// DeletePod removes podName without namespace checks, for tests
// simulating a pod vanishing after a kill.
func (c *Client) DeletePod(podName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Pods, podName)
}
