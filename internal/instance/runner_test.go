// ABOUTME: Tests for the instance supervision loop with fake agents and brokers
// ABOUTME: Checks registration, heartbeat recovery, and the single deregister on every exit path

package instance

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opencode-web/internal/api"
	"github.com/2389/opencode-web/internal/auth"
	"github.com/2389/opencode-web/internal/registry"
)

type fakeAgent struct {
	done    chan struct{}
	once    sync.Once
	err     error
	stopped chan struct{}
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{done: make(chan struct{}), stopped: make(chan struct{})}
}

func (a *fakeAgent) Done() <-chan struct{} { return a.done }
func (a *fakeAgent) Err() error            { return a.err }

func (a *fakeAgent) exit(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *fakeAgent) Stop(time.Duration) error {
	close(a.stopped)
	a.exit(nil)
	return nil
}

type fakeLauncher struct {
	agent *fakeAgent
	err   error
}

func (l *fakeLauncher) Launch(context.Context, string, int) (Agent, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.agent, nil
}

type fakeBroker struct {
	mu          sync.Mutex
	registers   int
	pings       int
	deregisters int
	pingResult  api.PingResponse
	pingErr     error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{pingResult: api.PingResponse{OK: true, Known: true, Matched: true, Online: true}}
}

func (b *fakeBroker) Register(context.Context, string, int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registers++
	return nil
}

func (b *fakeBroker) Ping(context.Context, string, int) (api.PingResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pings++
	return b.pingResult, b.pingErr
}

func (b *fakeBroker) Deregister(context.Context, string) ([]registry.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deregisters++
	return nil, nil
}

func (b *fakeBroker) set(res api.PingResponse, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pingResult = res
	b.pingErr = err
}

func (b *fakeBroker) counts() (registers, pings, deregisters int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registers, b.pings, b.deregisters
}

type fakeLocator struct {
	port  int
	calls int
	mu    sync.Mutex
}

func (l *fakeLocator) EnsureBroker(context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.port, nil
}

type runnerHarness struct {
	runner  *Runner
	agent   *fakeAgent
	brokers map[int]*fakeBroker
	port    int
	errCh   chan error
	cancel  context.CancelFunc
}

func startRunner(t *testing.T, locator Locator, brokers map[int]*fakeBroker) *runnerHarness {
	t.Helper()

	// Something must accept connections on the agent port.
	agentSrv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(agentSrv.Close)

	h := &runnerHarness{
		agent:   newFakeAgent(),
		brokers: brokers,
		port:    closedPort(t),
		errCh:   make(chan error, 1),
	}

	factory := func(port int) Broker {
		b, ok := brokers[port]
		if !ok {
			t.Errorf("no fake broker for port %d", port)
			return newFakeBroker()
		}
		return b
	}

	h.runner = NewRunner(Config{
		CWD:               testCWD,
		Host:              "127.0.0.1",
		Port:              h.port,
		AgentPort:         serverPort(t, agentSrv.URL),
		BrokerPort:        13943,
		APIPrefix:         "/api",
		HeartbeatInterval: 20 * time.Millisecond,
		AgentStopGrace:    100 * time.Millisecond,
	}, &fakeLauncher{agent: h.agent}, factory, locator, testSigner(t), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)

	go func() { h.errCh <- h.runner.Run(ctx) }()
	return h
}

func (h *runnerHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not exit")
		return nil
	}
}

func TestRunnerRegistersAndDeregistersOnCancel(t *testing.T) {
	broker := newFakeBroker()
	h := startRunner(t, nil, map[int]*fakeBroker{13943: broker})

	assert.Eventually(t, func() bool {
		regs, pings, _ := broker.counts()
		return regs == 1 && pings >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// The proxy is serving while registered.
	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(h.port) + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h.cancel()
	require.NoError(t, h.wait(t))

	regs, _, deregs := broker.counts()
	assert.Equal(t, 1, regs)
	assert.Equal(t, 1, deregs)

	select {
	case <-h.agent.stopped:
	default:
		t.Fatal("agent server was not stopped")
	}
}

func TestRunnerReRegistersWhenForgotten(t *testing.T) {
	broker := newFakeBroker()
	h := startRunner(t, nil, map[int]*fakeBroker{13943: broker})

	assert.Eventually(t, func() bool {
		regs, _, _ := broker.counts()
		return regs == 1
	}, 2*time.Second, 10*time.Millisecond)

	broker.set(api.PingResponse{OK: true, Known: false}, nil)

	assert.Eventually(t, func() bool {
		regs, _, _ := broker.counts()
		return regs >= 2
	}, 2*time.Second, 10*time.Millisecond)

	h.cancel()
	require.NoError(t, h.wait(t))
	_, _, deregs := broker.counts()
	assert.Equal(t, 1, deregs)
}

func TestRunnerReRegistersWhenDemoted(t *testing.T) {
	broker := newFakeBroker()
	broker.set(api.PingResponse{OK: true, Known: true, Matched: true, Online: false}, nil)
	h := startRunner(t, nil, map[int]*fakeBroker{13943: broker})

	assert.Eventually(t, func() bool {
		regs, _, _ := broker.counts()
		return regs >= 2
	}, 2*time.Second, 10*time.Millisecond)

	h.cancel()
	require.NoError(t, h.wait(t))
}

func TestRunnerDoesNotResurrectWhenReplaced(t *testing.T) {
	broker := newFakeBroker()
	broker.set(api.PingResponse{OK: true, Known: true, Matched: false}, nil)
	h := startRunner(t, nil, map[int]*fakeBroker{13943: broker})

	assert.Eventually(t, func() bool {
		_, pings, _ := broker.counts()
		return pings >= 3
	}, 2*time.Second, 10*time.Millisecond)

	h.cancel()
	require.NoError(t, h.wait(t))

	regs, _, deregs := broker.counts()
	assert.Equal(t, 1, regs, "only the initial registration")
	assert.Equal(t, 0, deregs, "must not deregister the replacement")
}

func TestRunnerStaysReplacedAfterBrokerRestart(t *testing.T) {
	broker := newFakeBroker()
	broker.set(api.PingResponse{OK: true, Known: true, Matched: false}, nil)
	h := startRunner(t, nil, map[int]*fakeBroker{13943: broker})

	assert.Eventually(t, h.runner.isReplaced, 2*time.Second, 10*time.Millisecond)

	// A restarted broker has forgotten both this instance and its successor.
	broker.set(api.PingResponse{OK: true, Known: false}, nil)
	_, before, _ := broker.counts()
	assert.Eventually(t, func() bool {
		_, pings, _ := broker.counts()
		return pings >= before+3
	}, 2*time.Second, 10*time.Millisecond)

	h.cancel()
	require.NoError(t, h.wait(t))

	regs, _, deregs := broker.counts()
	assert.Equal(t, 1, regs, "a replaced instance must not take the cwd back")
	assert.Equal(t, 0, deregs)
}

func TestRunnerReplacedDoesNotRegisterWithRelocatedBroker(t *testing.T) {
	oldBroker := newFakeBroker()
	oldBroker.set(api.PingResponse{OK: true, Known: true, Matched: false}, nil)
	newBroker := newFakeBroker()
	locator := &fakeLocator{port: 14839}
	h := startRunner(t, locator, map[int]*fakeBroker{13943: oldBroker, 14839: newBroker})

	assert.Eventually(t, h.runner.isReplaced, 2*time.Second, 10*time.Millisecond)

	oldBroker.set(api.PingResponse{}, errors.New("connection refused"))
	assert.Eventually(t, func() bool {
		_, pings, _ := newBroker.counts()
		return pings >= 2
	}, 2*time.Second, 10*time.Millisecond)

	h.cancel()
	require.NoError(t, h.wait(t))

	regs, _, deregs := newBroker.counts()
	assert.Equal(t, 0, regs)
	assert.Equal(t, 0, deregs)
}

func TestRunnerRelocatesBroker(t *testing.T) {
	oldBroker := newFakeBroker()
	newBroker := newFakeBroker()
	locator := &fakeLocator{port: 14839}
	h := startRunner(t, locator, map[int]*fakeBroker{13943: oldBroker, 14839: newBroker})

	assert.Eventually(t, func() bool {
		regs, _, _ := oldBroker.counts()
		return regs == 1
	}, 2*time.Second, 10*time.Millisecond)

	oldBroker.set(api.PingResponse{}, errors.New("connection refused"))

	assert.Eventually(t, func() bool {
		regs, pings, _ := newBroker.counts()
		return regs >= 1 && pings >= 1
	}, 2*time.Second, 10*time.Millisecond)

	h.cancel()
	require.NoError(t, h.wait(t))

	_, _, oldDeregs := oldBroker.counts()
	_, _, newDeregs := newBroker.counts()
	assert.Equal(t, 0, oldDeregs)
	assert.Equal(t, 1, newDeregs)
}

func TestRunnerShutdownViaControlEndpoint(t *testing.T) {
	broker := newFakeBroker()
	h := startRunner(t, nil, map[int]*fakeBroker{13943: broker})

	assert.Eventually(t, func() bool {
		regs, _, _ := broker.counts()
		return regs == 1
	}, 2*time.Second, 10*time.Millisecond)

	token, err := testSigner(t).Generate(testCWD, time.Minute)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPost, "http://127.0.0.1:"+strconv.Itoa(h.port)+ShutdownPath, nil)
	req.Header.Set("Authorization", auth.BearerHeader(token))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, h.wait(t))
	_, _, deregs := broker.counts()
	assert.Equal(t, 1, deregs)

	// Repeated shutdown requests are harmless.
	h.runner.RequestShutdown()
}

func TestRunnerExitsWhenAgentDies(t *testing.T) {
	broker := newFakeBroker()
	h := startRunner(t, nil, map[int]*fakeBroker{13943: broker})

	assert.Eventually(t, func() bool {
		regs, _, _ := broker.counts()
		return regs == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.agent.exit(errors.New("exit status 1"))

	err := h.wait(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent server exited")

	_, _, deregs := broker.counts()
	assert.Equal(t, 1, deregs)
}

func TestRunnerPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	r := NewRunner(Config{
		CWD:               testCWD,
		Host:              "127.0.0.1",
		Port:              l.Addr().(*net.TCPAddr).Port,
		AgentPort:         closedPort(t),
		BrokerPort:        13943,
		HeartbeatInterval: time.Second,
	}, &fakeLauncher{agent: newFakeAgent()}, func(int) Broker { return newFakeBroker() }, nil, testSigner(t), testLogger())

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binding proxy port")
}

func TestRunnerLaunchFailure(t *testing.T) {
	broker := newFakeBroker()
	r := NewRunner(Config{
		CWD:               testCWD,
		Host:              "127.0.0.1",
		Port:              closedPort(t),
		AgentPort:         closedPort(t),
		BrokerPort:        13943,
		HeartbeatInterval: time.Second,
	}, &fakeLauncher{err: errors.New("opencode: not found")}, func(int) Broker { return broker }, nil, testSigner(t), testLogger())

	err := r.Run(context.Background())
	require.Error(t, err)

	regs, _, deregs := broker.counts()
	assert.Zero(t, regs)
	assert.Zero(t, deregs)
}
