// Package process implements RemoteProcess, the adapter that makes a
// container running inside the cluster behave like a local child process:
// a writable input stream, two readable output streams, a blocking wait,
// an exit code, and a forcible kill.
package process

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"

	"github.com/cuemby/remoteproc/pkg/cluster"
	"github.com/cuemby/remoteproc/pkg/inject"
	"github.com/cuemby/remoteproc/pkg/introspect"
	"github.com/cuemby/remoteproc/pkg/log"
	"github.com/cuemby/remoteproc/pkg/types"
	"github.com/cuemby/remoteproc/pkg/workload"
)

// ReadyOrTerminalTimeout bounds the post-submit wait for the pod to become
// ready or terminal, and the later wait for terminal in Wait. The system
// this adapter fronts is supervisor-backed and long-running by policy.
const ReadyOrTerminalTimeout = 10 * 24 * time.Hour

// podLocateTimeout bounds how long Start waits to find the pod it just
// submitted via its label, guarding against a submission that silently
// never schedules.
const podLocateTimeout = 2 * time.Minute

// inputDialTimeout bounds the outbound dial to the pod's input-relay port.
const inputDialTimeout = 30 * time.Second

// cleanupDeleteTimeout bounds the best-effort delete issued when
// construction fails after the workload has already been submitted.
const cleanupDeleteTimeout = 30 * time.Second

// terminalPollInterval governs Wait's direct poll for the pod reaching
// terminal or vanishing outright (the latter is not a condition
// cluster.Client.WaitUntil's retry loop treats as terminal, since a
// transient not-found during scheduling is expected there).
const terminalPollInterval = time.Second

// Config is everything one RemoteProcess needs beyond the cluster client:
// the child to run, the two local ports it owns for its lifetime, and the
// address sidecars dial back to.
type Config struct {
	Client    cluster.Client
	Namespace string

	// Name uniquely identifies the submitted pod; the factory generates
	// this per call.
	Name  string
	Spawn types.Spawn

	OutputPort int
	ErrorPort  int
	// Release returns a port to the pool it was drawn from; called once
	// per port on Close.
	Release types.ReleaseFunc

	// CallerHost is the address the output/error relay sidecars dial
	// back to; it is baked into their commands literally.
	CallerHost string
	// HeartbeatURL is the URL the heartbeat sidecar polls once a second.
	// Made an explicit, required field rather than a hard-coded
	// loopback-to-host alias.
	HeartbeatURL string
}

// RemoteProcess represents one remote child. No instance is reusable:
// once Wait or Destroy returns, it transitions to closed.
type RemoteProcess struct {
	client    cluster.Client
	namespace string
	name      string

	outputListener net.Listener
	errorListener  net.Listener
	outputPort     int
	errorPort      int
	release        types.ReleaseFunc

	streamMu     sync.Mutex
	outputStream io.ReadCloser
	errorStream  io.ReadCloser
	outputErr    error
	errorErr     error
	inputStream  io.WriteCloser

	// outputReady/errorReady close once the corresponding sidecar
	// connection has been accepted (successfully or not), so a reader
	// blocking on OutputStream/ErrorStream never observes a nil stream.
	outputReady chan struct{}
	errorReady  chan struct{}

	killedMu sync.Mutex
	killed   bool

	closeOnce sync.Once

	exitMu   sync.Mutex
	exitCode int
	exitSet  bool

	logger zerolog.Logger
}

// nullSink is the input stream used when the spawn does not use stdin: it
// silently discards every write.
type nullSink struct{}

func (nullSink) Write(p []byte) (int, error) { return len(p), nil }
func (nullSink) Close() error                { return nil }

// erroringReader is what OutputStream/ErrorStream return when the
// sidecar connection never got accepted, so a caller doing io.Copy sees
// the real failure instead of passing a nil io.Reader.
type erroringReader struct{ err error }

func (r erroringReader) Read([]byte) (int, error) {
	if r.err == nil {
		return 0, io.EOF
	}
	return 0, r.err
}

// Start runs the full startup sequence: bind listeners, spawn
// acceptors, resolve the entrypoint, submit the workload, locate the pod,
// wait for init-running, inject files, wait for ready-or-terminal, and
// attach the input stream. Any failure after the listeners are bound
// closes them and releases their ports before returning.
func Start(ctx context.Context, cfg Config) (*RemoteProcess, error) {
	logger := log.WithWorkload(cfg.Name)

	outputListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.OutputPort))
	if err != nil {
		cfg.Release(cfg.OutputPort)
		cfg.Release(cfg.ErrorPort)
		return nil, fmt.Errorf("binding output listener on port %d: %w", cfg.OutputPort, err)
	}
	errorListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ErrorPort))
	if err != nil {
		outputListener.Close()
		cfg.Release(cfg.OutputPort)
		cfg.Release(cfg.ErrorPort)
		return nil, fmt.Errorf("binding error listener on port %d: %w", cfg.ErrorPort, err)
	}

	rp := &RemoteProcess{
		client:         cfg.Client,
		namespace:      cfg.Namespace,
		name:           cfg.Name,
		outputListener: outputListener,
		errorListener:  errorListener,
		outputPort:     cfg.OutputPort,
		errorPort:      cfg.ErrorPort,
		release:        cfg.Release,
		logger:         logger,
		outputReady:    make(chan struct{}),
		errorReady:     make(chan struct{}),
	}

	var eg errgroup.Group
	eg.Go(func() error {
		defer close(rp.outputReady)
		return rp.acceptInto(outputListener, &rp.outputStream, &rp.outputErr, string(types.ContainerOutputRelay))
	})
	eg.Go(func() error {
		defer close(rp.errorReady)
		return rp.acceptInto(errorListener, &rp.errorStream, &rp.errorErr, string(types.ContainerErrorRelay))
	})

	if err := rp.submitAndWire(ctx, cfg); err != nil {
		rp.Close()
		return nil, err
	}

	// The acceptors are the only suspension points between submit and
	// "streams attached"; their errors would only ever come from the
	// listener itself being closed, which only Close does.
	go func() {
		if err := eg.Wait(); err != nil {
			rp.logger.Debug().Err(err).Msg("acceptor task ended")
		}
	}()

	return rp, nil
}

func (rp *RemoteProcess) submitAndWire(ctx context.Context, cfg Config) (err error) {
	entrypoint, err := introspect.Resolve(ctx, cfg.Client, cfg.Namespace, cfg.Spawn.Image, cfg.Spawn.Entrypoint)
	if err != nil {
		return fmt.Errorf("resolving entrypoint: %w", err)
	}

	spec := workload.Spec{
		Name:         cfg.Name,
		Namespace:    cfg.Namespace,
		Image:        cfg.Spawn.Image,
		Entrypoint:   entrypoint,
		Args:         cfg.Spawn.Args,
		UsesStdin:    cfg.Spawn.UsesStdin,
		CallerHost:   cfg.CallerHost,
		OutputPort:   cfg.OutputPort,
		ErrorPort:    cfg.ErrorPort,
		HeartbeatURL: cfg.HeartbeatURL,
		Labels:       cfg.Spawn.Labels,
	}
	pod := workload.Build(spec)

	rp.logger.Debug().Str("image", cfg.Spawn.Image).Msg("submitting workload")
	if _, err := cfg.Client.CreateOrReplacePod(ctx, cfg.Namespace, pod); err != nil {
		return fmt.Errorf("submitting workload: %w", err)
	}

	// The workload now exists in the cluster. Any failure from here on
	// must delete it before returning, or construction failure leaves a
	// running workload behind with nothing left to reap it.
	defer func() {
		if err != nil {
			rp.cleanupFailedSubmission(cfg)
		}
	}()

	podName, err := rp.locatePod(ctx, cfg)
	if err != nil {
		return err
	}
	rp.name = podName

	if err := inject.Files(ctx, cfg.Client, cfg.Namespace, podName, cfg.Spawn.Files, inject.InitRunningTimeout); err != nil {
		return fmt.Errorf("injecting files: %w", err)
	}

	readyPod, err := cfg.Client.WaitUntil(ctx, cfg.Namespace, podName, ReadyOrTerminalTimeout, cluster.ReadyOrTerminal(cfg.Client))
	if err != nil {
		return fmt.Errorf("waiting for pod to become ready or terminal: %w", err)
	}

	if cfg.Spawn.UsesStdin {
		stream, err := rp.dialInput(ctx, readyPod)
		if err != nil {
			return fmt.Errorf("attaching input stream: %w", err)
		}
		rp.inputStream = stream
	} else {
		rp.inputStream = nullSink{}
	}

	return nil
}

// cleanupFailedSubmission best-effort deletes a workload that was
// submitted but never reached a usable state, using a fresh context
// since ctx may already be expired (e.g. the ready-or-terminal wait
// timed out).
func (rp *RemoteProcess) cleanupFailedSubmission(cfg Config) {
	deleteCtx, cancel := context.WithTimeout(context.Background(), cleanupDeleteTimeout)
	defer cancel()
	if err := cfg.Client.DeleteForeground(deleteCtx, cfg.Namespace, cfg.Name); err != nil {
		rp.logger.Debug().Err(err).Msg("cleanup: best-effort delete of failed submission failed")
	}
}

func (rp *RemoteProcess) locatePod(ctx context.Context, cfg Config) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, podLocateTimeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	selector := workload.Selector(cfg.Name)
	for {
		pods, err := cfg.Client.ListPodsByLabel(ctx, cfg.Namespace, selector)
		if err != nil {
			return "", fmt.Errorf("locating pod by label %q: %w", selector, err)
		}
		if len(pods) > 0 {
			return pods[0].Name, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("locating pod by label %q: %w", selector, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (rp *RemoteProcess) dialInput(ctx context.Context, pod *corev1.Pod) (io.WriteCloser, error) {
	addr := fmt.Sprintf("%s:%d", pod.Status.PodIP, types.InputRelayPort)
	dialer := net.Dialer{}
	dialCtx, cancel := context.WithTimeout(ctx, inputDialTimeout)
	defer cancel()
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing input relay at %s: %w", addr, err)
	}
	return conn, nil
}

func (rp *RemoteProcess) acceptInto(listener net.Listener, slot *io.ReadCloser, errSlot *error, containerName string) error {
	containerLogger := log.WithContainer(rp.logger, containerName)
	conn, err := listener.Accept()
	rp.streamMu.Lock()
	if err != nil {
		*errSlot = err
	} else {
		*slot = conn
	}
	rp.streamMu.Unlock()
	if err != nil {
		containerLogger.Debug().Err(err).Msg("sidecar accept failed")
		return err
	}
	containerLogger.Debug().Msg("sidecar connected")
	return nil
}

// InputStream returns the writable byte stream bound to the child's
// standard input. When input is not used, writes are silently discarded.
func (rp *RemoteProcess) InputStream() io.Writer {
	return rp.inputStream
}

// OutputStream returns the readable byte stream bound to the child's
// standard output. Blocks until the output-relay sidecar's connection is
// accepted (or definitively fails), so it is always safe to read from
// the result immediately.
func (rp *RemoteProcess) OutputStream() io.Reader {
	<-rp.outputReady
	rp.streamMu.Lock()
	defer rp.streamMu.Unlock()
	if rp.outputStream == nil {
		return erroringReader{rp.outputErr}
	}
	return rp.outputStream
}

// ErrorStream returns the readable byte stream bound to the child's
// standard error. Blocks until the error-relay sidecar's connection is
// accepted (or definitively fails), so it is always safe to read from
// the result immediately.
func (rp *RemoteProcess) ErrorStream() io.Reader {
	<-rp.errorReady
	rp.streamMu.Lock()
	defer rp.streamMu.Unlock()
	if rp.errorStream == nil {
		return erroringReader{rp.errorErr}
	}
	return rp.errorStream
}

// Wait blocks until the pod is terminal or has vanished, derives and
// stores the exit code, closes every adapter resource, and returns the
// exit code.
func (rp *RemoteProcess) Wait(ctx context.Context) (int, error) {
	pod, err := rp.waitForTerminalOrGone(ctx, ReadyOrTerminalTimeout)
	return rp.finish(pod, err)
}

// WaitTimeout is Wait bounded by timeout; ok reports whether the child
// terminated within the bound. It always closes adapter resources before
// returning, whether or not the bound was reached.
func (rp *RemoteProcess) WaitTimeout(ctx context.Context, timeout time.Duration) (code int, ok bool, err error) {
	pod, waitErr := rp.waitForTerminalOrGone(ctx, timeout)
	if waitErr != nil {
		rp.Close()
		return 0, false, nil
	}
	code, err = rp.finish(pod, nil)
	return code, true, err
}

// waitForTerminalOrGone polls directly rather than delegating to
// cluster.Client.WaitUntil, because that helper's retry loop treats a
// not-found GetPod as transient (expected while a pod schedules) and
// never returns for it. Here a vanished pod is itself a stopping
// condition: it returns (nil, nil).
func (rp *RemoteProcess) waitForTerminalOrGone(ctx context.Context, timeout time.Duration) (*corev1.Pod, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(terminalPollInterval)
	defer ticker.Stop()

	for {
		pod, err := rp.client.GetPod(ctx, rp.namespace, rp.name)
		if err != nil {
			if rp.client.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		if rp.client.IsTerminal(pod) {
			return pod, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s to terminate: %w", rp.name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// finish derives the exit code from a terminal (or missing) pod and
// closes the adapter: missing pod + killed flag means 143, missing pod +
// no kill is a loud failure, otherwise sum every terminated container's
// exit code.
func (rp *RemoteProcess) finish(pod *corev1.Pod, waitErr error) (int, error) {
	defer rp.Close()

	if waitErr != nil {
		return 0, waitErr
	}

	code, err := rp.deriveExitCode(pod)
	if err != nil {
		return 0, err
	}

	rp.exitMu.Lock()
	rp.exitCode = code
	rp.exitSet = true
	rp.exitMu.Unlock()
	return code, nil
}

func (rp *RemoteProcess) deriveExitCode(pod *corev1.Pod) (int, error) {
	if pod == nil {
		if rp.isKilled() {
			return types.ExitCode143, nil
		}
		return 0, fmt.Errorf("remote process %s: pod vanished without a kill", rp.name)
	}

	sum := 0
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			sum += int(cs.State.Terminated.ExitCode)
		}
	}
	return sum, nil
}

// Destroy issues a foreground delete of the workload, sets the
// killed-flag, and closes adapter resources.
func (rp *RemoteProcess) Destroy(ctx context.Context) error {
	rp.markKilled()
	err := rp.client.DeleteForeground(ctx, rp.namespace, rp.name)
	rp.Close()
	if err != nil {
		rp.logger.Debug().Err(err).Msg("destroy: delete failed")
	}
	return nil
}

// ExitCode returns the stored exit code. Fails if the child has not yet
// reached a terminal state.
func (rp *RemoteProcess) ExitCode() (int, error) {
	rp.exitMu.Lock()
	defer rp.exitMu.Unlock()
	if !rp.exitSet {
		return 0, fmt.Errorf("remote process %s has not terminated", rp.name)
	}
	return rp.exitCode, nil
}

func (rp *RemoteProcess) markKilled() {
	rp.killedMu.Lock()
	defer rp.killedMu.Unlock()
	rp.killed = true
}

func (rp *RemoteProcess) isKilled() bool {
	rp.killedMu.Lock()
	defer rp.killedMu.Unlock()
	return rp.killed
}

// Close releases every adapter resource exactly once. Every step's error
// is swallowed: partial failure of any one resource must not skip the
// others.
func (rp *RemoteProcess) Close() error {
	rp.closeOnce.Do(func() {
		rp.streamMu.Lock()
		in, out, errS := rp.inputStream, rp.outputStream, rp.errorStream
		rp.streamMu.Unlock()

		closeQuiet := func(c io.Closer) {
			if c == nil {
				return
			}
			if err := c.Close(); err != nil {
				rp.logger.Debug().Err(err).Msg("teardown: close failed")
			}
		}
		closeQuiet(in)
		closeQuiet(out)
		closeQuiet(errS)
		closeQuiet(rp.outputListener)
		closeQuiet(rp.errorListener)

		if rp.release != nil {
			rp.release(rp.outputPort)
			rp.release(rp.errorPort)
		}
	})
	return nil
}
