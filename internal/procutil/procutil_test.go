//go:build unix

// ABOUTME: Tests for detached process attributes and group signalling
// ABOUTME: Spawns short-lived sleep processes and checks they are reaped

package procutil

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillGroup_DetachedChild(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = DetachedAttr()
	require.NoError(t, cmd.Start())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	require.NoError(t, KillGroup(cmd.Process.Pid))

	select {
	case err := <-done:
		assert.Error(t, err, "killed process should report a non-zero exit")
	case <-time.After(5 * time.Second):
		t.Fatal("process group was not killed")
	}

	// already gone
	assert.NoError(t, KillGroup(cmd.Process.Pid))
}

func TestTerminate_NonPositivePID(t *testing.T) {
	assert.NoError(t, Terminate(0))
	assert.NoError(t, KillGroup(-1))
}
