// ABOUTME: In-memory fan-out of registry changes to watching clients
// ABOUTME: Subscribers watch every instance or a single project directory

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/opencode-web/internal/registry"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllInstances subscribes to changes for every cwd.
	AllInstances = ""
)

// Broadcaster provides in-memory pub/sub for registry changes.
// Subscribers register for a cwd (or AllInstances) and receive changes as
// the registry commits them. Slow subscribers lose changes rather than
// blocking the registry.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan registry.Change // cwd -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan registry.Change),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for changes to cwd, or to every instance
// when cwd is AllInstances. The subscription is removed and its channel
// closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, cwd string) (<-chan registry.Change, string) {
	subID := uuid.New().String()
	ch := make(chan registry.Change, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[cwd]; !ok {
		b.subscribers[cwd] = make(map[string]chan registry.Change)
	}
	b.subscribers[cwd][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "cwd", cwd, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(cwd, subID)
	}()

	return ch, subID
}

// Publish delivers a change to subscribers of its cwd and of AllInstances.
// It satisfies registry.Observer. Non-blocking: full channels drop the change.
func (b *Broadcaster) Publish(c registry.Change) {
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.sendLocked(AllInstances, c)
	if c.Instance.CWD != AllInstances {
		b.sendLocked(c.Instance.CWD, c)
	}
}

func (b *Broadcaster) sendLocked(key string, c registry.Change) {
	for subID, ch := range b.subscribers[key] {
		select {
		case ch <- c:
		default:
			b.logger.Debug("dropped change for slow subscriber",
				"cwd", c.Instance.CWD,
				"kind", c.Kind,
				"sub_id", subID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(cwd, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[cwd]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, cwd)
	}

	b.logger.Debug("subscriber removed", "cwd", cwd, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for cwd, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, cwd)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
