// ABOUTME: Launches and supervises the agent server process behind a proxy
// ABOUTME: The agent runs in the project directory and dies with its instance

package instance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/2389/opencode-web/internal/procutil"
)

// Agent is a running agent server.
type Agent interface {
	// Done is closed when the agent process exits.
	Done() <-chan struct{}
	Err() error
	// Stop asks the agent to exit and kills it after grace.
	Stop(grace time.Duration) error
}

// AgentLauncher starts agent servers.
type AgentLauncher interface {
	Launch(ctx context.Context, cwd string, port int) (Agent, error)
}

// ExecAgentLauncher runs "<Command> <Args...> --port N" in cwd.
type ExecAgentLauncher struct {
	Command string
	Args    []string
	// Output receives the agent's stdout and stderr; nil discards it.
	Output io.Writer
}

// Launch starts the agent server.
func (l ExecAgentLauncher) Launch(_ context.Context, cwd string, port int) (Agent, error) {
	args := append(append([]string(nil), l.Args...), "--port", strconv.Itoa(port))
	cmd := exec.Command(l.Command, args...)
	cmd.Dir = cwd
	cmd.Stdout = l.Output
	cmd.Stderr = l.Output
	cmd.SysProcAttr = procutil.SupervisedAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent server %q: %w", l.Command, err)
	}

	a := &execAgent{cmd: cmd, done: make(chan struct{})}
	go a.wait()
	return a, nil
}

type execAgent struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (a *execAgent) wait() {
	err := a.cmd.Wait()
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	close(a.done)
}

func (a *execAgent) Done() <-chan struct{} {
	return a.done
}

func (a *execAgent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *execAgent) Stop(grace time.Duration) error {
	select {
	case <-a.done:
		return nil
	default:
	}

	if err := procutil.Terminate(a.cmd.Process.Pid); err != nil {
		return fmt.Errorf("terminating agent server: %w", err)
	}

	select {
	case <-a.done:
		return nil
	case <-time.After(grace):
	}

	if err := a.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing agent server: %w", err)
	}
	<-a.done
	return nil
}
