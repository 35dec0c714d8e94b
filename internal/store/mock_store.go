// ABOUTME: In-memory Store implementation for testing
// ABOUTME: Mirrors the SQLite filter and ordering rules without touching disk

package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	events []Event
	closed bool

	// AppendErr, when set, is returned by every AppendEvent call.
	AppendErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// AppendEvent stores a copy of e, filling ID and Timestamp like the SQLite store.
func (m *MockStore) AppendEvent(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("store closed")
	}
	if m.AppendErr != nil {
		return m.AppendErr
	}
	if !slices.Contains(ValidEventKinds, e.Kind) {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = ulid.MustNew(ulid.Timestamp(e.Timestamp), ulid.DefaultEntropy()).String()
	}

	m.events = append(m.events, *e)
	return nil
}

// ListEvents returns events matching the filter, newest first.
func (m *MockStore) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, errors.New("store closed")
	}

	result := []Event{}
	for _, e := range m.events {
		if f.CWD != nil && e.CWD != *f.CWD {
			continue
		}
		if f.Kind != nil && e.Kind != *f.Kind {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		result = append(result, e)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID > result[j].ID
	})

	if limit := normalizeLimit(f.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close marks the store closed; later calls fail.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Compile-time check
var _ Store = (*MockStore)(nil)
