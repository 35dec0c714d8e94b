// ABOUTME: Process creation for instances, isolated behind the Spawner interface
// ABOUTME: ExecSpawner re-executes this binary's hidden instance command in a new session

package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/2389/opencode-web/internal/procutil"
)

// SpawnRequest describes one instance launch.
type SpawnRequest struct {
	LaunchID   string
	CWD        string
	Port       int // proxy port the instance must listen on and register
	AgentPort  int // port for the agent server behind the proxy
	BrokerPort int // broker the instance registers with
}

// Process is a handle on a spawned instance.
type Process interface {
	Pid() int
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Err reports the exit error after Done is closed.
	Err() error
	// Kill terminates the process and everything it started.
	Kill() error
}

// Spawner starts instance processes.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// ExecSpawner runs "<executable> instance --cwd D --port P --agent-port A --broker-port B".
// The child gets its own session so it survives the broker and can be killed as a group.
type ExecSpawner struct {
	// Executable defaults to the running binary.
	Executable string
	// ExtraArgs are appended to every launch, e.g. a --config flag.
	ExtraArgs []string
}

// Spawn starts the instance process. The request context is not tied to the
// child: instances outlive the request that created them.
func (s ExecSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, error) {
	executable := s.Executable
	if executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("finding executable: %w", err)
		}
		executable = exe
	}

	args := []string{
		"instance",
		"--cwd", req.CWD,
		"--port", strconv.Itoa(req.Port),
		"--agent-port", strconv.Itoa(req.AgentPort),
		"--broker-port", strconv.Itoa(req.BrokerPort),
		"--launch-id", req.LaunchID,
	}
	args = append(args, s.ExtraArgs...)

	cmd := exec.Command(executable, args...)
	cmd.Dir = req.CWD
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = procutil.DetachedAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting instance process: %w", err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return procutil.KillGroup(p.Pid())
}
