package cluster

import (
	"bytes"
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	restclient "k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/cuemby/remoteproc/pkg/log"
)

// pollInterval governs every polling wait this client performs. The
// cluster's watch API would do better, but the adapter's waits are
// already bounded (five minutes for init-running, ten days for terminal)
// and a one-second poll keeps this client's surface small.
const pollInterval = time.Second

// K8sClient implements Client against a real cluster via client-go.
type K8sClient struct {
	clientset kubernetes.Interface
	config    *restclient.Config
}

// NewK8sClient wraps an already-constructed clientset and the REST config
// used to build it (needed separately for the exec subresource).
func NewK8sClient(clientset kubernetes.Interface, config *restclient.Config) *K8sClient {
	return &K8sClient{clientset: clientset, config: config}
}

func (c *K8sClient) CreateOrReplacePod(ctx context.Context, namespace string, pod *corev1.Pod) (*corev1.Pod, error) {
	pods := c.clientset.CoreV1().Pods(namespace)
	if _, err := pods.Get(ctx, pod.Name, metav1.GetOptions{}); err == nil {
		log.WithComponent("cluster").Debug().Str("pod", pod.Name).Msg("replacing existing pod")
		if err := c.DeleteForeground(ctx, namespace, pod.Name); err != nil {
			return nil, fmt.Errorf("deleting existing pod %s: %w", pod.Name, err)
		}
	} else if !apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("checking for existing pod %s: %w", pod.Name, err)
	}

	created, err := pods.Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating pod %s: %w", pod.Name, err)
	}
	return created, nil
}

func (c *K8sClient) ListPodsByLabel(ctx context.Context, namespace, selector string) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("listing pods by label %q: %w", selector, err)
	}
	return list.Items, nil
}

func (c *K8sClient) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting pod %s: %w", name, err)
	}
	return pod, nil
}

func (c *K8sClient) WaitUntil(ctx context.Context, namespace, name string, timeout time.Duration, cond ConditionFunc) (*corev1.Pod, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
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

func (c *K8sClient) FetchLogs(ctx context.Context, namespace, podName, containerName string) (string, error) {
	req := c.clientset.CoreV1().Pods(namespace).GetLogs(podName, &corev1.PodLogOptions{Container: containerName})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("opening log stream for %s/%s: %w", podName, containerName, err)
	}
	defer stream.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(stream); err != nil {
		return "", fmt.Errorf("reading log stream for %s/%s: %w", podName, containerName, err)
	}
	return buf.String(), nil
}

// UploadFile streams content into destPath by exec-ing `cp /dev/stdin
// destPath` inside containerName, the same SPDY-executor pattern
// kubectl cp uses under the hood.
func (c *K8sClient) UploadFile(ctx context.Context, namespace, podName, containerName, destPath string, content []byte) error {
	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(namespace).
		SubResource("exec")
	req.VersionedParams(&corev1.PodExecOptions{
		Container: containerName,
		Command:   []string{"cp", "/dev/stdin", destPath},
		Stdin:     true,
		Stdout:    true,
		Stderr:    true,
	}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(c.config, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("building exec stream for %s: %w", destPath, err)
	}

	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  bytes.NewReader(content),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w (stderr: %s)", destPath, err, stderr.String())
	}
	return nil
}

func (c *K8sClient) DeleteForeground(ctx context.Context, namespace, name string) error {
	propagation := metav1.DeletePropagationForeground
	err := c.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting pod %s: %w", name, err)
	}
	return nil
}

func (c *K8sClient) IsReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func (c *K8sClient) IsNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}

func (c *K8sClient) IsTerminal(pod *corev1.Pod) bool {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			return true
		}
	}
	return false
}
