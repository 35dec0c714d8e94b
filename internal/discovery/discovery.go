// ABOUTME: Locates a live broker on the candidate ports or starts one
// ABOUTME: Duplicate brokers are resolved by OS bind atomicity plus re-probing

package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/2389/opencode-web/internal/config"
	"github.com/2389/opencode-web/internal/procutil"
)

// ErrStartupTimeout indicates a spawned broker never answered a probe.
var ErrStartupTimeout = errors.New("broker did not start in time")

// ErrDiscoveryFailure indicates no broker answers and no candidate port is free.
var ErrDiscoveryFailure = errors.New("no broker found and no candidate port is free")

// Spawner starts a detached broker process bound to port.
type Spawner interface {
	SpawnBroker(ctx context.Context, port int) error
}

// Client finds or starts the broker for this machine.
type Client struct {
	host         string
	ports        []int
	http         *http.Client
	spawner      Spawner
	pollInterval time.Duration
	startTimeout time.Duration
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPolling overrides how often and how long a spawned broker is probed.
func WithPolling(interval, timeout time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.startTimeout = timeout
	}
}

// WithHTTPClient overrides the HTTP client used for probes.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a discovery client for the configured candidate ports.
func NewClient(cfg config.BrokerConfig, spawner Spawner, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		host:         cfg.Host,
		ports:        cfg.Ports,
		http:         &http.Client{},
		spawner:      spawner,
		pollInterval: 200 * time.Millisecond,
		startTimeout: 4 * time.Second,
		logger:       logger.With("component", "discovery"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Probe reports whether a broker answers on port.
func (c *Client) Probe(ctx context.Context, port int) bool {
	return Probe(ctx, c.http, c.host, port)
}

// FindBroker returns the first candidate port with a live broker.
func (c *Client) FindBroker(ctx context.Context) (int, bool) {
	for _, port := range c.ports {
		if ctx.Err() != nil {
			return 0, false
		}
		if c.Probe(ctx, port) {
			return port, true
		}
	}
	return 0, false
}

// EnsureBroker returns the port of a live broker, spawning one if necessary.
func (c *Client) EnsureBroker(ctx context.Context) (int, error) {
	if port, ok := c.FindBroker(ctx); ok {
		c.logger.Debug("found broker", "port", port)
		return port, nil
	}

	port, ok := FindFree(c.host, c.ports)
	if !ok {
		return 0, ErrDiscoveryFailure
	}

	c.logger.Debug("spawning broker", "port", port)
	if err := c.spawner.SpawnBroker(ctx, port); err != nil {
		// A racing caller may already own a broker; fall through to re-probe.
		c.logger.Debug("spawning broker failed", "port", port, "error", err)
	} else if c.waitForBroker(ctx, port) {
		return port, nil
	}

	// Our spawn may have lost the bind race to another broker on any candidate.
	if port, ok := c.FindBroker(ctx); ok {
		c.logger.Debug("found racing broker", "port", port)
		return port, nil
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 0, ErrStartupTimeout
}

func (c *Client) waitForBroker(ctx context.Context, port int) bool {
	deadline := time.NewTimer(c.startTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
			if c.Probe(ctx, port) {
				return true
			}
		}
	}
}

// ExecSpawner starts "<executable> broker --port N" in a new session.
type ExecSpawner struct {
	// Executable defaults to the running binary.
	Executable string
	// ExtraArgs are appended after the port, e.g. a --config flag.
	ExtraArgs []string
}

// SpawnBroker starts the broker and releases it; the broker outlives the caller.
func (s ExecSpawner) SpawnBroker(_ context.Context, port int) error {
	executable := s.Executable
	if executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("finding executable: %w", err)
		}
		executable = exe
	}

	args := append([]string{"broker", "--port", strconv.Itoa(port)}, s.ExtraArgs...)
	cmd := exec.Command(executable, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = procutil.DetachedAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting broker process: %w", err)
	}

	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("releasing broker process: %w", err)
	}
	return nil
}
