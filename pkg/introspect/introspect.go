// Package introspect resolves a child image's entrypoint when the caller
// has not supplied an override, by running a short-lived probe pod from
// the same image.
package introspect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/cuemby/remoteproc/pkg/cluster"
	"github.com/cuemby/remoteproc/pkg/log"
)

// probeTimeout bounds how long the probe pod has to reach Succeeded.
const probeTimeout = 2 * time.Minute

const entrypointVar = "AIRBYTE_ENTRYPOINT"

// Resolve validates image and, when entrypoint is empty, runs a probe pod
// whose sole command prints the image's AIRBYTE_ENTRYPOINT env var, then
// parses and returns it split on whitespace. When entrypoint is non-empty
// it is returned unchanged without submitting anything.
func Resolve(ctx context.Context, client cluster.Client, namespace, image string, entrypoint []string) ([]string, error) {
	if _, err := name.ParseReference(image); err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", image, err)
	}
	if len(entrypoint) > 0 {
		return entrypoint, nil
	}

	probeName := "remoteproc-probe-" + uuid.NewString()
	logger := log.WithComponent("introspect")

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      probeName,
			Namespace: namespace,
			Labels:    map[string]string{"remoteproc.io/role": "probe"},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:    "probe",
				Image:   image,
				Command: []string{"sh", "-c", fmt.Sprintf("echo %s=$%s", entrypointVar, entrypointVar)},
			}},
		},
	}

	logger.Debug().Str("pod", probeName).Str("image", image).Msg("submitting entrypoint probe")
	if _, err := client.CreateOrReplacePod(ctx, namespace, pod); err != nil {
		return nil, fmt.Errorf("submitting probe pod for %s: %w", image, err)
	}
	defer func() {
		if err := client.DeleteForeground(context.Background(), namespace, probeName); err != nil {
			logger.Debug().Err(err).Str("pod", probeName).Msg("best-effort probe cleanup failed")
		}
	}()

	if _, err := client.WaitUntil(ctx, namespace, probeName, probeTimeout, cluster.PodSucceeded); err != nil {
		return nil, fmt.Errorf("waiting for probe pod %s to succeed: %w", probeName, err)
	}

	out, err := client.FetchLogs(ctx, namespace, probeName, "probe")
	if err != nil {
		return nil, fmt.Errorf("fetching probe log for %s: %w", probeName, err)
	}

	value, err := parseEntrypoint(out)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", image, err)
	}
	return strings.Fields(value), nil
}

func parseEntrypoint(log string) (string, error) {
	prefix := entrypointVar + "="
	for _, line := range strings.Split(log, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		value := strings.TrimPrefix(line, prefix)
		if value == "" {
			return "", fmt.Errorf("%s is empty", entrypointVar)
		}
		return value, nil
	}
	return "", fmt.Errorf("probe log missing %s marker", entrypointVar)
}
