package fragment

import (
	"strings"
	"testing"

	"github.com/cuemby/remoteproc/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestInitCreatesStdinPipeOnlyWhenUsed(t *testing.T) {
	withoutStdin := Init(false)
	assert.Contains(t, withoutStdin, types.StdoutPipe)
	assert.Contains(t, withoutStdin, types.StderrPipe)
	assert.NotContains(t, withoutStdin, types.StdinPipe)

	withStdin := Init(true)
	assert.Contains(t, withStdin, types.StdinPipe)
}

func TestInitWaitsForSentinel(t *testing.T) {
	got := Init(false)
	assert.Contains(t, got, types.ConfigDir+"/"+types.FinishedUploadingFile)
	assert.Contains(t, got, "sleep 5")
}

func TestMainWiresStdinOnlyWhenUsed(t *testing.T) {
	withoutStdin := Main([]string{"/bin/echo"}, []string{"hi"}, false)
	assert.NotContains(t, withoutStdin, "cat ")
	assert.Contains(t, withoutStdin, "/bin/echo hi")
	assert.Contains(t, withoutStdin, types.TerminationMarker)

	withStdin := Main([]string{"/bin/cat"}, nil, true)
	assert.True(t, strings.Contains(withStdin, "cat \""+types.StdinPipe+"\" | /bin/cat"))
}

func TestHappyCloserExitsZeroAfterKill(t *testing.T) {
	got := HappyCloser("socat -")
	assert.Contains(t, got, "kill \"$CMDPID\"")
	assert.Contains(t, got, types.TerminationMarker)
	assert.Contains(t, got, "exit 0")
}

func TestSadCloserExitsOneWhenCommandDiesFirst(t *testing.T) {
	got := SadCloser(HeartbeatCommand("http://127.0.0.1:9001/healthz"))
	assert.Contains(t, got, "exit 1")
	assert.NotContains(t, got, "kill \"$CMDPID\"")
}

func TestHeartbeatCommandPollsURL(t *testing.T) {
	got := HeartbeatCommand("http://127.0.0.1:9001/healthz")
	assert.Contains(t, got, "curl -sf \"http://127.0.0.1:9001/healthz\"")
}
