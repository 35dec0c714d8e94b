// ABOUTME: Tests for the lifecycle event log
// ABOUTME: Covers append, ordering, filtering, limits, and in-memory use

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendEvent_GeneratesIDAndTimestamp(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	e := &Event{Kind: EventStarted, CWD: "/tmp/proj", Port: 40001}
	require.NoError(t, store.AppendEvent(context.Background(), e))

	assert.Len(t, e.ID, 26)
	assert.False(t, e.Timestamp.IsZero())
}

func TestAppendEvent_RejectsUnknownKind(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	err := store.AppendEvent(context.Background(), &Event{Kind: "exploded", CWD: "/tmp/proj"})
	assert.ErrorContains(t, err, "unknown event kind")
}

func TestListEvents_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	kinds := []EventKind{EventStartRequested, EventRegistered, EventStarted}
	for i, k := range kinds {
		require.NoError(t, store.AppendEvent(ctx, &Event{
			Kind:      k,
			CWD:       "/tmp/proj",
			Port:      40001,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Detail:    map[string]any{"step": float64(i)},
		}))
	}

	events, err := store.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventStarted, events[0].Kind)
	assert.Equal(t, EventStartRequested, events[2].Kind)
	assert.Equal(t, 40001, events[0].Port)
	assert.Equal(t, float64(2), events[0].Detail["step"])
	assert.True(t, events[0].Timestamp.Equal(base.Add(2*time.Second)))
}

func TestListEvents_Filters(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendEvent(ctx, &Event{Kind: EventRegistered, CWD: "/a", Port: 1, Timestamp: base}))
	require.NoError(t, store.AppendEvent(ctx, &Event{Kind: EventRegistered, CWD: "/b", Port: 2, Timestamp: base.Add(time.Second)}))
	require.NoError(t, store.AppendEvent(ctx, &Event{Kind: EventStale, CWD: "/a", Timestamp: base.Add(2 * time.Second)}))

	cwd := "/a"
	events, err := store.ListEvents(ctx, EventFilter{CWD: &cwd})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	kind := EventRegistered
	events, err = store.ListEvents(ctx, EventFilter{Kind: &kind})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	since := base.Add(time.Second)
	events, err = store.ListEvents(ctx, EventFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 0, events[0].Port, "stale event carries no port")

	events, err = store.ListEvents(ctx, EventFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventStale, events[0].Kind)
}

func TestListEvents_EmptyIsNotNil(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	events, err := store.ListEvents(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeLimit(0))
	assert.Equal(t, 100, normalizeLimit(-5))
	assert.Equal(t, 7, normalizeLimit(7))
	assert.Equal(t, 1000, normalizeLimit(5000))
}

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	store, err := NewSQLiteStore(MemoryPath, testLogger())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.AppendEvent(ctx, &Event{Kind: EventRegistered, CWD: "/tmp/proj", Port: 40001}))
		}()
	}
	wg.Wait()

	events, err := store.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 20)
}
