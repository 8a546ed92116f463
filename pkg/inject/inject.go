// Package inject uploads a caller's configuration files into a still-
// running init container and releases it with a sentinel marker.
package inject

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/remoteproc/pkg/cluster"
	"github.com/cuemby/remoteproc/pkg/log"
	"github.com/cuemby/remoteproc/pkg/types"
)

// InitRunningTimeout bounds how long Files waits for the init container
// to report a running state before giving up.
const InitRunningTimeout = 5 * time.Minute

// Files waits up to timeout for podName's init container to be running,
// writes each entry of files into /config in slice order, then uploads
// the empty FINISHED_UPLOADING sentinel strictly last — releasing the
// init container so the primary container can start.
func Files(ctx context.Context, client cluster.Client, namespace, podName string, files []types.FileEntry, timeout time.Duration) error {
	logger := log.WithComponent("inject")

	logger.Debug().Str("pod", podName).Msg("waiting for init container to run")
	if _, err := client.WaitUntil(ctx, namespace, podName, timeout, cluster.InitContainerRunning); err != nil {
		return fmt.Errorf("waiting for init container of %s to run: %w", podName, err)
	}

	for _, f := range files {
		dest := types.ConfigDir + "/" + f.Name
		if err := client.UploadFile(ctx, namespace, podName, string(types.ContainerInit), dest, f.Content); err != nil {
			return fmt.Errorf("uploading %s into %s: %w", f.Name, podName, err)
		}
	}

	sentinel := types.ConfigDir + "/" + types.FinishedUploadingFile
	if err := client.UploadFile(ctx, namespace, podName, string(types.ContainerInit), sentinel, nil); err != nil {
		return fmt.Errorf("uploading sentinel into %s: %w", podName, err)
	}
	logger.Debug().Str("pod", podName).Int("files", len(files)).Msg("injection complete")
	return nil
}
