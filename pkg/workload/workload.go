// Package workload builds the multi-container pod spec that runs one
// remote process: an init container, the caller's image as the primary,
// and the socat/curl sidecars that bridge it to the caller's network
// namespace.
package workload

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/cuemby/remoteproc/pkg/fragment"
	"github.com/cuemby/remoteproc/pkg/types"
)

const (
	volumePipes       = "airbyte-pipes"
	volumeConfig      = "airbyte-config"
	volumeTermination = "airbyte-termination"

	initImage  = "busybox"
	relayImage = "alpine/socat"
	curlImage  = "curlimages/curl"
)

// LabelWorkload is the label key, set to the workload name, that is matched
// when the adapter locates its pod after submission.
const LabelWorkload = "remoteproc.io/workload"

// Spec describes one remote process to run, fully resolved: the
// entrypoint has already been introspected and the caller's listener
// ports and heartbeat URL are already known.
type Spec struct {
	Name       string
	Namespace  string
	Image      string
	Entrypoint []string
	Args       []string
	UsesStdin  bool

	CallerHost   string // host address the sidecars dial back to
	OutputPort   int
	ErrorPort    int
	HeartbeatURL string

	Labels map[string]string

	// TTLSecondsAfterFinished, when set, is attached as an annotation
	// hinting how long a finished pod may be kept around. A bare Pod has
	// no native TTL field (that belongs to Job/CronJob); actual garbage
	// collection of annotated pods is left to the cluster's own tooling.
	TTLSecondsAfterFinished *int32
}

// AnnotationTTLSecondsAfterFinished is the annotation key a garbage
// collector would watch for to reap this pod some time after it reaches
// a terminal state.
const AnnotationTTLSecondsAfterFinished = "remoteproc.io/ttl-seconds-after-finished"

// Build constructs the pod object for spec. It does not submit anything.
func Build(spec Spec) *corev1.Pod {
	labels := map[string]string{LabelWorkload: spec.Name}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	var annotations map[string]string
	if spec.TTLSecondsAfterFinished != nil {
		annotations = map[string]string{
			AnnotationTTLSecondsAfterFinished: fmt.Sprintf("%d", *spec.TTLSecondsAfterFinished),
		}
	}

	pipesVolume := corev1.Volume{Name: volumePipes, VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}}
	configVolume := corev1.Volume{Name: volumeConfig, VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}}
	terminationVolume := corev1.Volume{Name: volumeTermination, VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}}

	pipesMount := corev1.VolumeMount{Name: volumePipes, MountPath: types.PipesDir}
	configMount := corev1.VolumeMount{Name: volumeConfig, MountPath: types.ConfigDir}
	terminationMount := corev1.VolumeMount{Name: volumeTermination, MountPath: types.TerminationDir}

	init := corev1.Container{
		Name:         string(types.ContainerInit),
		Image:        initImage,
		Command:      []string{"sh", "-c", fragment.Init(spec.UsesStdin)},
		WorkingDir:   types.ConfigDir,
		VolumeMounts: []corev1.VolumeMount{pipesMount, configMount},
	}

	main := corev1.Container{
		Name:         string(types.ContainerMain),
		Image:        spec.Image,
		Command:      []string{"sh", "-c", fragment.Main(spec.Entrypoint, spec.Args, spec.UsesStdin)},
		WorkingDir:   types.ConfigDir,
		VolumeMounts: []corev1.VolumeMount{pipesMount, configMount, terminationMount},
	}

	outputRelay := corev1.Container{
		Name:         string(types.ContainerOutputRelay),
		Image:        relayImage,
		Command:      []string{"sh", "-c", fragment.HappyCloser(socatToHost(types.StdoutPipe, spec.CallerHost, spec.OutputPort))},
		VolumeMounts: []corev1.VolumeMount{pipesMount, terminationMount},
	}

	errorRelay := corev1.Container{
		Name:         string(types.ContainerErrorRelay),
		Image:        relayImage,
		Command:      []string{"sh", "-c", fragment.HappyCloser(socatToHost(types.StderrPipe, spec.CallerHost, spec.ErrorPort))},
		VolumeMounts: []corev1.VolumeMount{pipesMount, terminationMount},
	}

	containers := []corev1.Container{main, outputRelay, errorRelay}

	if spec.UsesStdin {
		inputRelay := corev1.Container{
			Name:    string(types.ContainerInputRelay),
			Image:   relayImage,
			Command: []string{"sh", "-c", fragment.HappyCloser(socatFromListener(types.InputRelayPort, types.StdinPipe))},
			Ports: []corev1.ContainerPort{
				{ContainerPort: types.InputRelayPort},
			},
			VolumeMounts: []corev1.VolumeMount{pipesMount, terminationMount},
		}
		containers = append(containers, inputRelay)
	}

	heartbeat := corev1.Container{
		Name:         string(types.ContainerHeartbeat),
		Image:        curlImage,
		Command:      []string{"sh", "-c", fragment.SadCloser(fragment.HeartbeatCommand(spec.HeartbeatURL))},
		VolumeMounts: []corev1.VolumeMount{terminationMount},
	}
	containers = append(containers, heartbeat)

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        spec.Name,
			Namespace:   spec.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: corev1.PodSpec{
			RestartPolicy:  corev1.RestartPolicyNever,
			InitContainers: []corev1.Container{init},
			Containers:     containers,
			Volumes:        []corev1.Volume{pipesVolume, configVolume, terminationVolume},
		},
	}
}

func socatToHost(pipe, host string, port int) string {
	return fmt.Sprintf("socat -u OPEN:%s TCP:%s:%d", pipe, host, port)
}

func socatFromListener(port int, pipe string) string {
	return fmt.Sprintf("socat -u TCP-LISTEN:%d,reuseaddr OPEN:%s,creat", port, pipe)
}

// Selector returns the label selector that matches spec's pod once
// submitted, for use with cluster.Client.ListPodsByLabel.
func Selector(name string) string {
	return fmt.Sprintf("%s=%s", LabelWorkload, name)
}
