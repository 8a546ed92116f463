// Package fragment builds the single-line shell scripts run inside the
// init, main, and sidecar containers of a remote-process workload. Every
// fragment is plain string templating with no cluster dependency, so the
// whole package is pure and trivially unit-testable.
package fragment

import (
	"fmt"
	"strings"

	"github.com/cuemby/remoteproc/pkg/types"
)

// Init returns the init container's command: create the FIFOs the main
// and relay containers need, then block until the file injector's
// sentinel appears in the shared config volume.
func Init(usesStdin bool) string {
	mkfifo := fmt.Sprintf("mkfifo %s %s", types.StdoutPipe, types.StderrPipe)
	if usesStdin {
		mkfifo = fmt.Sprintf("%s %s", mkfifo, types.StdinPipe)
	}
	sentinel := types.ConfigDir + "/" + types.FinishedUploadingFile
	return fmt.Sprintf(
		`%s; while [ ! -f "%s" ]; do sleep 5; done; exit 0`,
		mkfifo, sentinel,
	)
}

// Main returns the main container's command: install the exit trap that
// touches the termination marker, then run the resolved entrypoint with
// its streams wired to the shared FIFOs.
func Main(entrypoint []string, args []string, usesStdin bool) string {
	cmd := strings.Join(append(append([]string{}, entrypoint...), args...), " ")
	trap := fmt.Sprintf(`trap 'touch "%s"' EXIT`, types.TerminationMarker)

	if usesStdin {
		return fmt.Sprintf(`%s; cat "%s" | %s 1>"%s" 2>"%s"`,
			trap, types.StdinPipe, cmd, types.StdoutPipe, types.StderrPipe)
	}
	return fmt.Sprintf(`%s; %s 1>"%s" 2>"%s"`,
		trap, cmd, types.StdoutPipe, types.StderrPipe)
}

// HappyCloser wraps a sidecar command so it follows the primary container:
// once the termination marker appears, the wrapped command is killed and
// the wrapper exits zero. If the command ends on its own, the wrapper exits
// zero when the marker exists by then and one when it does not. Used for
// the output, error, and input relays.
func HappyCloser(cmd string) string {
	return fmt.Sprintf(`%s & CMDPID=$!
while kill -0 "$CMDPID" 2>/dev/null; do
  if [ -f "%s" ]; then
    kill "$CMDPID" 2>/dev/null
    wait "$CMDPID" 2>/dev/null
    break
  fi
  sleep 1
done
if [ -f "%s" ]; then exit 0; else exit 1; fi`,
		cmd, types.TerminationMarker, types.TerminationMarker)
}

// SadCloser wraps the heartbeat-caller sidecar: it never expects the
// wrapped command to exit before the primary does. If the termination
// marker appears first, the wrapper exits zero without touching the
// command; if the command exits on its own, the wrapper exits one.
func SadCloser(cmd string) string {
	return fmt.Sprintf(`%s & CMDPID=$!
while kill -0 "$CMDPID" 2>/dev/null; do
  if [ -f "%s" ]; then
    exit 0
  fi
  sleep 1
done
exit 1`,
		cmd, types.TerminationMarker)
}

// HeartbeatCommand is the inner loop the sad-closer wraps for the
// heartbeat-caller sidecar.
func HeartbeatCommand(url string) string {
	return fmt.Sprintf(`while true; do curl -sf "%s" >/dev/null 2>&1; sleep 1; done`, url)
}
