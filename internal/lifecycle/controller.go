// ABOUTME: Starts and stops instances for project directories on behalf of the broker
// ABOUTME: Waits on the registry for registration or shutdown with bounded poll loops

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/opencode-web/internal/discovery"
	"github.com/2389/opencode-web/internal/registry"
	"github.com/2389/opencode-web/internal/store"
)

// Lifecycle errors
var (
	ErrConflict        = errors.New("instance already running")
	ErrNotFound        = errors.New("no running instance")
	ErrInvalidCWD      = errors.New("cwd must be an existing absolute directory")
	ErrStartupTimeout  = errors.New("instance did not register in time")
	ErrStartupFailed   = errors.New("instance exited before registering")
	ErrShutdownTimeout = errors.New("instance did not shut down in time")
)

// ShutdownPath is the control endpoint every instance proxy exposes.
const ShutdownPath = "/__shutdown"

// Registry is the read side of the instance table the controller polls.
type Registry interface {
	Lookup(cwd string) (registry.Instance, bool)
}

// TokenSource mints control tokens for an instance.
type TokenSource interface {
	Generate(cwd string, expiresIn time.Duration) (string, error)
}

// EventRecorder receives lifecycle audit events.
type EventRecorder interface {
	AppendEvent(ctx context.Context, e *store.Event) error
}

// Config holds the controller's timing and addressing.
type Config struct {
	Host         string
	BrokerPort   int
	StartTimeout time.Duration
	StopTimeout  time.Duration
	PollInterval time.Duration
	TokenTTL     time.Duration
}

// Controller starts and stops instances. It never touches registry state
// directly; spawned instances register themselves over HTTP.
type Controller struct {
	cfg      Config
	registry Registry
	spawner  Spawner
	tokens   TokenSource
	recorder EventRecorder
	client   *http.Client
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	procs    map[string]Process
}

// Option configures a Controller.
type Option func(*Controller)

// WithTokens signs shutdown requests.
func WithTokens(t TokenSource) Option {
	return func(c *Controller) { c.tokens = t }
}

// WithRecorder records lifecycle events.
func WithRecorder(r EventRecorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithHTTPClient overrides the client used for control requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Controller) { c.client = hc }
}

// NewController creates a Controller.
func NewController(cfg Config, reg Registry, spawner Spawner, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		registry: reg,
		spawner:  spawner,
		client:   &http.Client{Timeout: 2 * time.Second},
		logger:   logger.With("component", "lifecycle"),
		inflight: make(map[string]struct{}),
		procs:    make(map[string]Process),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches an instance for cwd and returns its proxy port once it has registered.
// A second Start for the same cwd while one is in flight returns ErrConflict.
func (c *Controller) Start(ctx context.Context, cwd string) (int, error) {
	if err := validateCWD(cwd); err != nil {
		return 0, err
	}

	if err := c.claim(cwd); err != nil {
		return 0, err
	}
	defer c.release(cwd)

	launchID := uuid.New().String()
	logger := c.logger.With("cwd", cwd, "launch_id", launchID)
	c.record(ctx, store.EventStartRequested, cwd, 0, map[string]any{"launch_id": launchID})

	agentPort, proxyPort, err := c.allocatePorts()
	if err != nil {
		c.record(ctx, store.EventStartFailed, cwd, 0, map[string]any{"launch_id": launchID, "error": err.Error()})
		return 0, err
	}

	proc, err := c.spawner.Spawn(ctx, SpawnRequest{
		LaunchID:   launchID,
		CWD:        cwd,
		Port:       proxyPort,
		AgentPort:  agentPort,
		BrokerPort: c.cfg.BrokerPort,
	})
	if err != nil {
		c.record(ctx, store.EventStartFailed, cwd, proxyPort, map[string]any{"launch_id": launchID, "error": err.Error()})
		return 0, fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}
	c.track(cwd, proc)

	logger.Info("spawned instance", "pid", proc.Pid(), "port", proxyPort, "agent_port", agentPort)

	if err := c.waitRegistered(ctx, cwd, proxyPort, proc); err != nil {
		if !errors.Is(err, ErrStartupFailed) {
			if kerr := proc.Kill(); kerr != nil {
				logger.Warn("killing instance failed", "pid", proc.Pid(), "error", kerr)
			}
		}
		logger.Warn("instance start failed", "error", err)
		c.record(ctx, store.EventStartFailed, cwd, proxyPort, map[string]any{"launch_id": launchID, "error": err.Error()})
		return 0, err
	}

	logger.Info("instance started", "port", proxyPort)
	c.record(ctx, store.EventStarted, cwd, proxyPort, map[string]any{"launch_id": launchID, "pid": proc.Pid()})
	return proxyPort, nil
}

// Stop asks the online instance for cwd to shut down and waits until it is no longer online.
func (c *Controller) Stop(ctx context.Context, cwd string) error {
	inst, ok := c.registry.Lookup(cwd)
	if !ok {
		return ErrNotFound
	}

	logger := c.logger.With("cwd", cwd, "port", inst.Port)
	c.record(ctx, store.EventStopRequested, cwd, inst.Port, nil)

	// Best effort: the instance may already be gone.
	if err := c.requestShutdown(ctx, inst); err != nil {
		logger.Debug("shutdown request failed", "error", err)
	}

	err := c.poll(ctx, c.cfg.StopTimeout, func() bool {
		_, online := c.registry.Lookup(cwd)
		return !online
	})
	if err != nil {
		if errors.Is(err, errPollTimeout) {
			err = ErrShutdownTimeout
		}
		logger.Warn("instance stop failed", "error", err)
		c.record(ctx, store.EventStopFailed, cwd, inst.Port, map[string]any{"error": err.Error()})
		return err
	}

	logger.Info("instance stopped")
	c.record(ctx, store.EventStopped, cwd, inst.Port, nil)
	return nil
}

// Running returns the number of spawned processes that have not exited.
func (c *Controller) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.procs)
}

func (c *Controller) claim(cwd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.inflight[cwd]; busy {
		return ErrConflict
	}
	if _, online := c.registry.Lookup(cwd); online {
		return ErrConflict
	}
	c.inflight[cwd] = struct{}{}
	return nil
}

func (c *Controller) release(cwd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, cwd)
}

// track remembers proc until it exits.
func (c *Controller) track(cwd string, proc Process) {
	c.mu.Lock()
	c.procs[cwd] = proc
	c.mu.Unlock()

	go func() {
		<-proc.Done()
		c.mu.Lock()
		if c.procs[cwd] == proc {
			delete(c.procs, cwd)
		}
		c.mu.Unlock()
		c.logger.Debug("instance process exited", "cwd", cwd, "pid", proc.Pid(), "error", proc.Err())
	}()
}

func (c *Controller) allocatePorts() (int, int, error) {
	agentPort, err := discovery.FreePort(c.cfg.Host)
	if err != nil {
		return 0, 0, fmt.Errorf("allocating agent port: %w", err)
	}
	for range 5 {
		proxyPort, err := discovery.FreePort(c.cfg.Host)
		if err != nil {
			return 0, 0, fmt.Errorf("allocating proxy port: %w", err)
		}
		if proxyPort != agentPort {
			return agentPort, proxyPort, nil
		}
	}
	return 0, 0, fmt.Errorf("allocating proxy port: kernel kept returning %d", agentPort)
}

func (c *Controller) waitRegistered(ctx context.Context, cwd string, port int, proc Process) error {
	exited := proc.Done()
	err := c.poll(ctx, c.cfg.StartTimeout, func() bool {
		select {
		case <-exited:
			return true
		default:
		}
		inst, online := c.registry.Lookup(cwd)
		return online && inst.Port == port
	})

	select {
	case <-exited:
		if inst, online := c.registry.Lookup(cwd); online && inst.Port == port {
			// Registered and then exited; the staleness sweep owns it now.
			return nil
		}
		if perr := proc.Err(); perr != nil {
			return fmt.Errorf("%w: %v", ErrStartupFailed, perr)
		}
		return ErrStartupFailed
	default:
	}

	if errors.Is(err, errPollTimeout) {
		return ErrStartupTimeout
	}
	return err
}

var errPollTimeout = errors.New("poll timeout")

// poll checks cond every PollInterval until it holds, the timeout elapses, or ctx ends.
func (c *Controller) poll(ctx context.Context, timeout time.Duration, cond func() bool) error {
	if cond() {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if cond() {
				return nil
			}
			return errPollTimeout
		case <-ticker.C:
			if cond() {
				return nil
			}
		}
	}
}

func (c *Controller) requestShutdown(ctx context.Context, inst registry.Instance) error {
	host := inst.Host
	if host == "" {
		host = c.cfg.Host
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(inst.Port)) + ShutdownPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if c.tokens != nil {
		token, err := c.tokens.Generate(inst.CWD, c.cfg.TokenTTL)
		if err != nil {
			return fmt.Errorf("minting control token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending shutdown: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("shutdown rejected: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Controller) record(ctx context.Context, kind store.EventKind, cwd string, port int, detail map[string]any) {
	if c.recorder == nil {
		return
	}
	// Audit writes must not fail or cancel the lifecycle operation.
	ctx = context.WithoutCancel(ctx)
	if err := c.recorder.AppendEvent(ctx, &store.Event{Kind: kind, CWD: cwd, Port: port, Detail: detail}); err != nil {
		c.logger.Warn("recording lifecycle event failed", "kind", kind, "cwd", cwd, "error", err)
	}
}

func validateCWD(cwd string) error {
	if cwd == "" || !filepath.IsAbs(cwd) {
		return ErrInvalidCWD
	}
	info, err := os.Stat(cwd)
	if err != nil || !info.IsDir() {
		return ErrInvalidCWD
	}
	return nil
}
