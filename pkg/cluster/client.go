// Package cluster defines the thin boundary this module draws around the
// cluster it submits workloads to. Everything above this package talks to
// the Client interface; everything below it is k8s.io/client-go.
package cluster

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// ConditionFunc reports whether a fetched pod satisfies a caller's wait
// condition. WaitUntil polls (or watches) until one returns true or the
// bound elapses.
type ConditionFunc func(pod *corev1.Pod) bool

// Client is the cluster collaborator this module treats as external:
// everything the adapter, introspector, file injector, and workload
// specifier need from a real cluster, and nothing else.
type Client interface {
	// CreateOrReplacePod submits pod, deleting and recreating it first if
	// a pod of the same name already exists in the namespace.
	CreateOrReplacePod(ctx context.Context, namespace string, pod *corev1.Pod) (*corev1.Pod, error)

	// ListPodsByLabel returns every pod in namespace matching selector.
	ListPodsByLabel(ctx context.Context, namespace, selector string) ([]corev1.Pod, error)

	// GetPod fetches one pod by name. Returns an error satisfying
	// apierrors.IsNotFound when absent.
	GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error)

	// WaitUntil polls GetPod until cond returns true or timeout elapses,
	// returning the pod snapshot that satisfied cond.
	WaitUntil(ctx context.Context, namespace, name string, timeout time.Duration, cond ConditionFunc) (*corev1.Pod, error)

	// FetchLogs returns the full log output of one container.
	FetchLogs(ctx context.Context, namespace, podName, containerName string) (string, error)

	// UploadFile streams content into destPath inside containerName of
	// podName, via an exec-based transfer. The container must be running.
	UploadFile(ctx context.Context, namespace, podName, containerName, destPath string, content []byte) error

	// DeleteForeground deletes name with foreground propagation, blocking
	// until the cluster confirms the delete (or the context is done).
	DeleteForeground(ctx context.Context, namespace, name string) error

	// IsReady reports whether every container in pod is ready.
	IsReady(pod *corev1.Pod) bool

	// IsTerminal reports whether at least one container in pod has a
	// non-nil terminated state.
	IsTerminal(pod *corev1.Pod) bool

	// IsNotFound reports whether err represents a missing resource,
	// regardless of how many times it has been wrapped.
	IsNotFound(err error) bool
}

// InitContainerRunning is a ConditionFunc satisfied once at least one
// init container status reports a non-nil running state.
func InitContainerRunning(pod *corev1.Pod) bool {
	for _, cs := range pod.Status.InitContainerStatuses {
		if cs.State.Running != nil {
			return true
		}
	}
	return false
}

// PodSucceeded is a ConditionFunc satisfied once the pod phase is Succeeded.
func PodSucceeded(pod *corev1.Pod) bool {
	return pod.Status.Phase == corev1.PodSucceeded
}

// ReadyOrTerminal composes a client's IsReady/IsTerminal predicates into
// the ConditionFunc the adapter's post-submit wait uses: it returns as
// soon as either holds, so a pod that crashes before ever reaching ready
// does not block forever.
func ReadyOrTerminal(c Client) ConditionFunc {
	return func(pod *corev1.Pod) bool {
		return c.IsReady(pod) || c.IsTerminal(pod)
	}
}
