// ABOUTME: Supervision loop for one instance: agent server, proxy, and broker liveness
// ABOUTME: Registers once listening, heartbeats on an interval, and deregisters exactly once

package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/2389/opencode-web/internal/api"
	"github.com/2389/opencode-web/internal/auth"
	"github.com/2389/opencode-web/internal/registry"
)

// Broker is the part of the broker API an instance talks to.
type Broker interface {
	Register(ctx context.Context, cwd string, port int) error
	Ping(ctx context.Context, cwd string, port int) (api.PingResponse, error)
	Deregister(ctx context.Context, cwd string) ([]registry.Instance, error)
}

// BrokerFactory returns a Broker for the broker listening on port.
type BrokerFactory func(port int) Broker

// Locator finds (or starts) a broker after the current one stops answering.
type Locator interface {
	EnsureBroker(ctx context.Context) (int, error)
}

// Config describes the instance this runner supervises.
type Config struct {
	CWD               string
	Host              string
	Port              int
	AgentPort         int
	BrokerPort        int
	APIPrefix         string
	HeartbeatInterval time.Duration
	// AgentReadyTimeout bounds the wait for the agent port before registering.
	AgentReadyTimeout time.Duration
	// AgentStopGrace is how long the agent gets between SIGTERM and SIGKILL.
	AgentStopGrace time.Duration
}

// Runner supervises one instance for its entire lifetime.
type Runner struct {
	cfg       Config
	launcher  AgentLauncher
	newBroker BrokerFactory
	locator   Locator
	signer    *auth.JWTSigner
	logger    *slog.Logger

	mu         sync.Mutex
	broker     Broker
	brokerPort int
	replaced   bool

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewRunner creates a Runner. locator may be nil, in which case a lost broker
// is only retried at its original port.
func NewRunner(cfg Config, launcher AgentLauncher, newBroker BrokerFactory, locator Locator, signer *auth.JWTSigner, logger *slog.Logger) *Runner {
	if cfg.AgentReadyTimeout == 0 {
		cfg.AgentReadyTimeout = 5 * time.Second
	}
	if cfg.AgentStopGrace == 0 {
		cfg.AgentStopGrace = 3 * time.Second
	}
	return &Runner{
		cfg:        cfg,
		launcher:   launcher,
		newBroker:  newBroker,
		locator:    locator,
		signer:     signer,
		logger:     logger.With("component", "instance", "cwd", cfg.CWD, "port", cfg.Port),
		broker:     newBroker(cfg.BrokerPort),
		brokerPort: cfg.BrokerPort,
		shutdownCh: make(chan struct{}),
	}
}

// RequestShutdown triggers graceful shutdown. Safe to call more than once.
func (r *Runner) RequestShutdown() {
	r.shutdownOnce.Do(func() { close(r.shutdownCh) })
}

// Run starts the agent and proxy, registers, and heartbeats until ctx is
// cancelled, the control endpoint is hit, or the agent exits.
func (r *Runner) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port)))
	if err != nil {
		return fmt.Errorf("binding proxy port: %w", err)
	}

	agent, err := r.launcher.Launch(ctx, r.cfg.CWD, r.cfg.AgentPort)
	if err != nil {
		listener.Close()
		return err
	}
	r.logger.Info("agent server launched", "agent_port", r.cfg.AgentPort)

	proxy := NewProxy(ProxyConfig{
		CWD:       r.cfg.CWD,
		Host:      r.cfg.Host,
		Port:      r.cfg.Port,
		AgentPort: r.cfg.AgentPort,
		APIPrefix: r.cfg.APIPrefix,
	}, r.signer, r.RequestShutdown, r.logger)

	server := &http.Server{
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	r.waitForAgent(ctx, agent)

	if err := r.register(ctx); err != nil {
		// The heartbeat loop keeps retrying.
		r.logger.Warn("initial registration failed", "error", err)
	}

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var reason string
	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			reason = "signal"
			break loop
		case <-r.shutdownCh:
			reason = "control endpoint"
			break loop
		case <-agent.Done():
			reason = "agent exited"
			if err := agent.Err(); err != nil {
				runErr = fmt.Errorf("agent server exited: %w", err)
			}
			break loop
		case err := <-serveErr:
			reason = "proxy failed"
			runErr = fmt.Errorf("serving proxy: %w", err)
			break loop
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}

	ticker.Stop()
	r.shutdown(reason, agent, server)
	return runErr
}

// heartbeat pings the broker, re-registering when the broker has forgotten us
// and relocating the broker when it stops answering.
func (r *Runner) heartbeat(ctx context.Context) {
	broker := r.currentBroker()

	res, err := broker.Ping(ctx, r.cfg.CWD, r.cfg.Port)
	if err != nil {
		r.logger.Warn("heartbeat failed", "broker_port", r.currentBrokerPort(), "error", err)
		r.relocate(ctx)
		return
	}

	switch {
	case r.isReplaced():
		// A replaced instance never takes its cwd back, even from a broker
		// that restarted and forgot the successor.
		r.logger.Debug("replaced instance heartbeat", "known", res.Known, "matched", res.Matched)
	case !res.Known:
		r.logger.Info("broker lost our entry, registering again")
		if err := r.register(ctx); err != nil {
			r.logger.Warn("re-registration failed", "error", err)
		}
	case res.Matched && !res.Online:
		r.logger.Info("broker marked us offline, registering again")
		if err := r.register(ctx); err != nil {
			r.logger.Warn("re-registration failed", "error", err)
		}
	case !res.Matched:
		// Another instance now owns this cwd; do not take it back.
		r.logger.Warn("instance replaced in broker, not re-registering")
		r.mu.Lock()
		r.replaced = true
		r.mu.Unlock()
	}
}

func (r *Runner) relocate(ctx context.Context) {
	if r.locator == nil {
		return
	}

	port, err := r.locator.EnsureBroker(ctx)
	if err != nil {
		r.logger.Warn("no broker available", "error", err)
		return
	}

	r.mu.Lock()
	if port != r.brokerPort {
		r.broker = r.newBroker(port)
		r.brokerPort = port
	}
	r.mu.Unlock()

	if r.isReplaced() {
		return
	}
	r.logger.Info("registering with broker", "broker_port", port)
	if err := r.register(ctx); err != nil {
		r.logger.Warn("registration with relocated broker failed", "error", err)
	}
}

func (r *Runner) isReplaced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replaced
}

func (r *Runner) register(ctx context.Context) error {
	return r.currentBroker().Register(ctx, r.cfg.CWD, r.cfg.Port)
}

func (r *Runner) currentBroker() Broker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broker
}

func (r *Runner) currentBrokerPort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.brokerPort
}

// waitForAgent blocks until the agent port accepts connections, the agent
// exits, or AgentReadyTimeout passes.
func (r *Runner) waitForAgent(ctx context.Context, agent Agent) {
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.AgentPort))
	deadline := time.Now().Add(r.cfg.AgentReadyTimeout)

	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-agent.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	r.logger.Warn("agent server not accepting connections yet, registering anyway", "agent_port", r.cfg.AgentPort)
}

func (r *Runner) shutdown(reason string, agent Agent, server *http.Server) {
	r.logger.Info("shutting down", "reason", reason)

	replaced := r.isReplaced()

	// Exactly one deregister per instance lifetime. A replaced instance skips
	// it, since deregistering by cwd would take down its successor.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if !replaced {
		if _, err := r.currentBroker().Deregister(ctx, r.cfg.CWD); err != nil {
			r.logger.Warn("deregister failed", "error", err)
		}
	}
	cancel()

	if err := agent.Stop(r.cfg.AgentStopGrace); err != nil {
		r.logger.Warn("stopping agent server failed", "error", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		r.logger.Warn("proxy shutdown error", "error", err)
	}

	r.logger.Info("instance stopped")
}
