// ABOUTME: Broker orchestrator that owns the registry, lifecycle controller, and HTTP server
// ABOUTME: Binds one loopback candidate port and serves the control plane until cancelled

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/opencode-web/internal/auth"
	"github.com/2389/opencode-web/internal/config"
	"github.com/2389/opencode-web/internal/events"
	"github.com/2389/opencode-web/internal/lifecycle"
	"github.com/2389/opencode-web/internal/registry"
	"github.com/2389/opencode-web/internal/store"
)

// Lifecycle starts and stops instances on behalf of HTTP callers.
type Lifecycle interface {
	Start(ctx context.Context, cwd string) (int, error)
	Stop(ctx context.Context, cwd string) error
}

// Broker is the per-machine control plane. Exactly one runs per user session,
// on the first free candidate port.
type Broker struct {
	config      *config.Config
	port        int
	registry    *registry.Registry
	lifecycle   Lifecycle
	store       store.Store
	broadcaster *events.Broadcaster
	httpServer  *http.Server
	logger      *slog.Logger

	// options collected before construction
	spawner lifecycle.Spawner
	secret  []byte
	clock   func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithSpawner replaces the process spawner used for POST /instance.
func WithSpawner(s lifecycle.Spawner) Option {
	return func(b *Broker) { b.spawner = s }
}

// WithSecret uses secret for control tokens instead of the configured key file.
func WithSecret(secret []byte) Option {
	return func(b *Broker) { b.secret = secret }
}

// WithClock injects the registry clock.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.clock = now }
}

// WithLifecycle replaces the lifecycle controller entirely.
func WithLifecycle(l Lifecycle) Option {
	return func(b *Broker) { b.lifecycle = l }
}

// WithStore uses s for the lifecycle log instead of opening the configured database.
// The broker closes it on shutdown.
func WithStore(s store.Store) Option {
	return func(b *Broker) { b.store = s }
}

// initStore opens the lifecycle audit log.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New builds a broker for port from cfg. Nothing listens until Run.
func New(cfg *config.Config, port int, logger *slog.Logger, opts ...Option) (*Broker, error) {
	b := &Broker{
		config:  cfg,
		port:    port,
		logger:  logger.With("component", "broker", "port", port),
		spawner: lifecycle.ExecSpawner{},
	}
	for _, opt := range opts {
		opt(b)
	}

	var err error
	s := b.store
	if s == nil {
		if s, err = initStore(cfg, logger); err != nil {
			return nil, err
		}
		b.store = s
	}

	secret := b.secret
	if secret == nil {
		secret, err = auth.LoadOrCreateSecret(cfg.Auth.ControlKeyPath)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("loading control secret: %w", err)
		}
	}
	signer, err := auth.NewJWTSigner(secret)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating control token signer: %w", err)
	}

	b.broadcaster = events.NewBroadcaster(logger)

	regOpts := []registry.Option{
		registry.WithStaleAfter(cfg.Instances.StaleAfter),
		registry.WithHost(cfg.Broker.Host),
		registry.WithObserver(b.onChange),
	}
	if b.clock != nil {
		regOpts = append(regOpts, registry.WithClock(b.clock))
	}
	b.registry = registry.New(logger, regOpts...)

	if b.lifecycle == nil {
		b.lifecycle = lifecycle.NewController(lifecycle.Config{
			Host:         cfg.Broker.Host,
			BrokerPort:   port,
			StartTimeout: cfg.Instances.StartTimeout,
			StopTimeout:  cfg.Instances.StopTimeout,
			PollInterval: cfg.Instances.PollInterval,
			TokenTTL:     cfg.Auth.ControlTokenTTL,
		}, b.registry, b.spawner, logger,
			lifecycle.WithTokens(signer),
			lifecycle.WithRecorder(s),
		)
	}

	b.httpServer = &http.Server{
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return b, nil
}

// Port returns the port the broker serves on.
func (b *Broker) Port() int {
	return b.port
}

// Registry exposes the instance table.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// onChange fans registry changes out to watchers and the audit log.
func (b *Broker) onChange(c registry.Change) {
	b.broadcaster.Publish(c)

	kind, ok := changeEventKinds[c.Kind]
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.store.AppendEvent(ctx, &store.Event{
		Kind: kind,
		CWD:  c.Instance.CWD,
		Port: c.Instance.Port,
	}); err != nil {
		b.logger.Warn("failed to record registry change", "kind", c.Kind, "cwd", c.Instance.CWD, "error", err)
	}
}

var changeEventKinds = map[registry.ChangeKind]store.EventKind{
	registry.ChangeRegistered:   store.EventRegistered,
	registry.ChangeDeregistered: store.EventDeregistered,
	registry.ChangeStale:        store.EventStale,
}

// Run binds 127.0.0.1:port and serves until ctx is cancelled. A bind failure
// is returned so a broker that lost the port race can exit cleanly.
// Returns nil on graceful shutdown.
func (b *Broker) Run(ctx context.Context) error {
	addr := net.JoinHostPort(b.config.Broker.Host, strconv.Itoa(b.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = b.closeComponents()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("broker listening", "addr", ln.Addr().String())
		if err := b.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		b.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		b.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := b.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already cancelled.
func (b *Broker) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and releases the store. Running instances
// are left alone; they re-register with whichever broker comes up next.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.logger.Info("shutting down broker")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", b.httpServer.Shutdown(ctx))
	if err := b.closeComponents(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func (b *Broker) closeComponents() error {
	b.broadcaster.Close()
	if err := b.store.Close(); err != nil {
		return fmt.Errorf("store close: %w", err)
	}
	return nil
}
