// ABOUTME: In-memory table of project directories and their running instances
// ABOUTME: Tracks online/offline status with a lazy staleness sweep on read

package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultStaleAfter is how long an online entry may go without a heartbeat.
const DefaultStaleAfter = 30 * time.Second

// ErrInvalidCWD indicates a missing project directory.
var ErrInvalidCWD = errors.New("cwd is required")

// ErrInvalidPort indicates a missing or out-of-range port.
var ErrInvalidPort = errors.New("port must be between 1 and 65535")

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithStaleAfter sets the staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) { r.staleAfter = d }
}

// WithHost sets the host reported on every entry.
func WithHost(host string) Option {
	return func(r *Registry) { r.host = host }
}

// WithObserver registers a callback for status changes.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// Registry is the broker's instance table. It is safe for concurrent use.
// Entries are never removed; deregistered and stale entries stay as offline history.
type Registry struct {
	mu         sync.Mutex
	entries    map[string]*Instance
	host       string
	staleAfter time.Duration
	now        func() time.Time
	observer   Observer
	logger     *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries:    make(map[string]*Instance),
		host:       "127.0.0.1",
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     logger.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register upserts the entry for cwd and marks it online.
func (r *Registry) Register(cwd string, port int) error {
	if err := validate(cwd, port); err != nil {
		return err
	}

	r.mu.Lock()
	now := r.now()
	inst, exists := r.entries[cwd]
	if !exists {
		inst = &Instance{CWD: cwd, Host: r.host, StartedAt: now}
		r.entries[cwd] = inst
	} else if inst.Status != StatusOnline || inst.Port != port {
		inst.StartedAt = now
	}
	inst.Port = port
	inst.Status = StatusOnline
	inst.LastSeen = now
	snapshot := *inst
	r.mu.Unlock()

	r.logger.Info("instance registered", "cwd", cwd, "port", port, "new", !exists)
	r.notify(Change{Kind: ChangeRegistered, Instance: snapshot})
	return nil
}

// Heartbeat refreshes lastSeen when (cwd, port) matches the current entry exactly.
// It never changes status: only Register marks an entry online.
func (r *Registry) Heartbeat(cwd string, port int) (HeartbeatResult, error) {
	if err := validate(cwd, port); err != nil {
		return HeartbeatResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.entries[cwd]
	if !exists {
		return HeartbeatResult{}, nil
	}
	if inst.Port != port {
		r.logger.Debug("ignoring heartbeat for replaced instance", "cwd", cwd, "port", port, "current_port", inst.Port)
		return HeartbeatResult{Known: true}, nil
	}

	inst.LastSeen = r.now()
	return HeartbeatResult{Known: true, Matched: true, Online: inst.Status == StatusOnline}, nil
}

// Deregister marks the entry for cwd offline. Unknown cwds are a no-op.
func (r *Registry) Deregister(cwd string) error {
	if cwd == "" {
		return ErrInvalidCWD
	}

	r.mu.Lock()
	inst, exists := r.entries[cwd]
	if !exists || inst.Status == StatusOffline {
		r.mu.Unlock()
		return nil
	}
	inst.Status = StatusOffline
	snapshot := *inst
	r.mu.Unlock()

	r.logger.Info("instance deregistered", "cwd", cwd, "port", snapshot.Port)
	r.notify(Change{Kind: ChangeDeregistered, Instance: snapshot})
	return nil
}

// List sweeps stale entries and returns every entry sorted by cwd.
func (r *Registry) List() []Instance {
	r.mu.Lock()
	demoted := r.sweepLocked()
	out := make([]Instance, 0, len(r.entries))
	for _, inst := range r.entries {
		out = append(out, *inst)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CWD < out[j].CWD })
	r.notifyStale(demoted)
	return out
}

// Online returns only the online entries, after sweeping.
func (r *Registry) Online() []Instance {
	all := r.List()
	out := all[:0]
	for _, inst := range all {
		if inst.Status == StatusOnline {
			out = append(out, inst)
		}
	}
	return out
}

// Lookup returns the online entry for cwd, after sweeping.
func (r *Registry) Lookup(cwd string) (Instance, bool) {
	r.mu.Lock()
	demoted := r.sweepLocked()
	inst, exists := r.entries[cwd]
	var snapshot Instance
	online := exists && inst.Status == StatusOnline
	if online {
		snapshot = *inst
	}
	r.mu.Unlock()

	r.notifyStale(demoted)
	return snapshot, online
}

// sweepLocked demotes online entries whose lastSeen is older than the threshold.
// Caller must hold r.mu.
func (r *Registry) sweepLocked() []Instance {
	now := r.now()
	var demoted []Instance
	for _, inst := range r.entries {
		if inst.Status != StatusOnline {
			continue
		}
		if now.Sub(inst.LastSeen) > r.staleAfter {
			inst.Status = StatusOffline
			demoted = append(demoted, *inst)
		}
	}
	return demoted
}

func (r *Registry) notifyStale(demoted []Instance) {
	for _, inst := range demoted {
		r.logger.Warn("instance went stale", "cwd", inst.CWD, "port", inst.Port, "last_seen", inst.LastSeen)
		r.notify(Change{Kind: ChangeStale, Instance: inst})
	}
}

func (r *Registry) notify(c Change) {
	if r.observer != nil {
		r.observer(c)
	}
}

func validate(cwd string, port int) error {
	if cwd == "" {
		return ErrInvalidCWD
	}
	if port < 1 || port > 65535 {
		return ErrInvalidPort
	}
	return nil
}
