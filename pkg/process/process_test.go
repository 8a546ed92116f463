package process

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/remoteproc/pkg/cluster/fake"
	"github.com/cuemby/remoteproc/pkg/types"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func noopRelease(int) {}

// TestEchoOnce exercises scenario S1: a terminal pod whose containers all
// exited zero reports the bytes written by the output-relay sidecar and
// an exit code of zero.
func TestEchoOnce(t *testing.T) {
	client := fake.New("default")
	outPort, errPort := freePort(t), freePort(t)

	cfg := Config{
		Client:    client,
		Namespace: "default",
		Name:      "child-echo",
		Spawn: types.Spawn{
			Image:      "alpine:3",
			Entrypoint: []string{"/bin/echo"},
			Args:       []string{"hello"},
		},
		OutputPort:   outPort,
		ErrorPort:    errPort,
		Release:      noopRelease,
		CallerHost:   "127.0.0.1",
		HeartbeatURL: "http://127.0.0.1:9000/healthz",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ready := make(chan struct{})
	go func() {
		waitForPod(t, client, "child-echo")
		client.SetContainerRunning("child-echo", string(types.ContainerInit))
		time.Sleep(10 * time.Millisecond)
		client.SetReady("child-echo", true)
		close(ready)
	}()

	rp, err := Start(ctx, cfg)
	require.NoError(t, err)
	<-ready

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(outPort)))
	require.NoError(t, err)
	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	buf := make([]byte, 6)
	stream := rp.OutputStream()
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(buf))

	client.SetContainerTerminated("child-echo", string(types.ContainerMain), 0)
	code, err := rp.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

// TestForcedKillReportsConventionExitCode exercises scenario S4: destroy
// before the pod ever reaches terminal yields the 143 convention once the
// pod record is gone.
func TestForcedKillReportsConventionExitCode(t *testing.T) {
	client := fake.New("default")
	outPort, errPort := freePort(t), freePort(t)

	cfg := Config{
		Client:    client,
		Namespace: "default",
		Name:      "child-sleep",
		Spawn: types.Spawn{
			Image:      "alpine:3",
			Entrypoint: []string{"sleep"},
			Args:       []string{"60"},
		},
		OutputPort:   outPort,
		ErrorPort:    errPort,
		Release:      noopRelease,
		CallerHost:   "127.0.0.1",
		HeartbeatURL: "http://127.0.0.1:9000/healthz",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		waitForPod(t, client, "child-sleep")
		client.SetContainerRunning("child-sleep", string(types.ContainerInit))
		time.Sleep(10 * time.Millisecond)
		client.SetReady("child-sleep", true)
	}()

	rp, err := Start(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, rp.Destroy(ctx))
	client.DeletePod("child-sleep")

	code, err := rp.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ExitCode143, code)
}

// TestStartDeletesPodWhenConstructionFailsAfterSubmission exercises the
// cleanup path: the pod is submitted, but its init container never
// reports running before the caller's context expires, so Start must
// fail and the half-constructed pod must not be left behind.
func TestStartDeletesPodWhenConstructionFailsAfterSubmission(t *testing.T) {
	client := fake.New("default")
	outPort, errPort := freePort(t), freePort(t)

	cfg := Config{
		Client:    client,
		Namespace: "default",
		Name:      "child-never-ready",
		Spawn: types.Spawn{
			Image:      "alpine:3",
			Entrypoint: []string{"sleep"},
			Args:       []string{"60"},
		},
		OutputPort:   outPort,
		ErrorPort:    errPort,
		Release:      noopRelease,
		CallerHost:   "127.0.0.1",
		HeartbeatURL: "http://127.0.0.1:9000/healthz",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := Start(ctx, cfg)
	require.Error(t, err)

	waitForPodGone(t, client, "child-never-ready")
}

// TestOutputStreamNeverReturnsNilReader exercises the case where the
// output-relay sidecar never connects before teardown: OutputStream must
// still return a non-nil reader that surfaces the failure on Read rather
// than handing back nil.
func TestOutputStreamNeverReturnsNilReader(t *testing.T) {
	client := fake.New("default")
	outPort, errPort := freePort(t), freePort(t)

	cfg := Config{
		Client:    client,
		Namespace: "default",
		Name:      "child-no-connect",
		Spawn: types.Spawn{
			Image:      "alpine:3",
			Entrypoint: []string{"sleep"},
			Args:       []string{"60"},
		},
		OutputPort:   outPort,
		ErrorPort:    errPort,
		Release:      noopRelease,
		CallerHost:   "127.0.0.1",
		HeartbeatURL: "http://127.0.0.1:9000/healthz",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		waitForPod(t, client, "child-no-connect")
		client.SetContainerRunning("child-no-connect", string(types.ContainerInit))
		time.Sleep(10 * time.Millisecond)
		client.SetReady("child-no-connect", true)
	}()

	rp, err := Start(ctx, cfg)
	require.NoError(t, err)

	// Nobody ever dials the output port. Closing tears down the
	// listener, which unblocks the stuck acceptor with an error.
	require.NoError(t, rp.Close())

	stream := rp.OutputStream()
	require.NotNil(t, stream)
	_, err = stream.Read(make([]byte, 1))
	assert.Error(t, err)
}

func waitForPodGone(t *testing.T, client *fake.Client, name string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.GetPod(context.Background(), "default", name); err != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pod %s was never deleted", name)
}

func waitForPod(t *testing.T, client *fake.Client, name string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.GetPod(context.Background(), "default", name); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pod %s never appeared", name)
}

