package inject

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/cuemby/remoteproc/pkg/cluster/fake"
	"github.com/cuemby/remoteproc/pkg/types"
)

// orderedUploads records the destination of every UploadFile call in order.
type orderedUploads struct {
	*fake.Client
	order []string
}

func (o *orderedUploads) UploadFile(ctx context.Context, namespace, podName, containerName, destPath string, content []byte) error {
	o.order = append(o.order, destPath)
	return o.Client.UploadFile(ctx, namespace, podName, containerName, destPath, content)
}

func TestFilesUploadsAfterInitRunningThenSentinelLast(t *testing.T) {
	c := fake.New("ns")
	_, err := c.CreateOrReplacePod(context.Background(), "ns", &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "p", Namespace: "ns"},
		Status: corev1.PodStatus{
			InitContainerStatuses: []corev1.ContainerStatus{
				{Name: string(types.ContainerInit), State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{}}},
			},
		},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		c.SetContainerRunning("p", string(types.ContainerInit))
	}()

	files := []types.FileEntry{
		{Name: "a.txt", Content: []byte("one")},
		{Name: "b.txt", Content: []byte("two")},
	}
	rec := &orderedUploads{Client: c}
	err = Files(context.Background(), rec, "ns", "p", files, InitRunningTimeout)
	require.NoError(t, err)
	wg.Wait()

	assert.Equal(t, []byte("one"), c.Uploaded["p/init/config/a.txt"])
	assert.Equal(t, []byte("two"), c.Uploaded["p/init/config/b.txt"])
	_, sentinelUploaded := c.Uploaded["p/init/config/"+types.FinishedUploadingFile]
	assert.True(t, sentinelUploaded)
	assert.Equal(t, []string{"/config/a.txt", "/config/b.txt", "/config/" + types.FinishedUploadingFile}, rec.order)
}

func TestFilesFailsIfInitNeverRuns(t *testing.T) {
	c := fake.New("ns")
	_, err := c.CreateOrReplacePod(context.Background(), "ns", &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "p", Namespace: "ns"},
	})
	require.NoError(t, err)

	err = Files(context.Background(), c, "ns", "p", nil, 20*time.Millisecond)
	assert.Error(t, err)
}
