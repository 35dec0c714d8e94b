// ABOUTME: Contract tests for the JSON shapes the browser UI and older instances depend on
// ABOUTME: Field renames here break clients that are not rebuilt with the broker

package contract

import (
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opencode-web/internal/api"
	"github.com/2389/opencode-web/internal/config"
	"github.com/2389/opencode-web/internal/registry"
	"github.com/2389/opencode-web/internal/store"
)

// jsonKeys marshals v and returns its top-level object keys, sorted.
func jsonKeys(t *testing.T, v any) []string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)

	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &obj))

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TestWireShapes pins the key set of every payload, populated so omitempty
// fields show up.
func TestWireShapes(t *testing.T) {
	now := time.Now()
	inst := registry.Instance{
		CWD:       "/home/dev/project",
		Port:      13950,
		Host:      config.LoopbackHost,
		Status:    registry.StatusOnline,
		LastSeen:  now,
		StartedAt: now,
	}

	tests := []struct {
		name  string
		value any
		keys  []string
	}{
		{"Instance", inst, []string{"cwd", "host", "lastSeen", "port", "startedAt", "status"}},
		{"RegisterRequest", api.RegisterRequest{CWD: "/p", Port: 1}, []string{"cwd", "port"}},
		{"CWDRequest", api.CWDRequest{CWD: "/p"}, []string{"cwd"}},
		{"OKResponse", api.OKResponse{OK: true}, []string{"ok"}},
		{"PingResponse", api.PingResponse{}, []string{"known", "matched", "ok", "online"}},
		{"InstancesResponse", api.InstancesResponse{}, []string{"info", "instances", "version"}},
		{"ServiceInfo", api.ServiceInfo{}, []string{"name"}},
		{"DeregisterResponse", api.DeregisterResponse{}, []string{"instances"}},
		{"StartResponse", api.StartResponse{}, []string{"message", "port"}},
		{"MessageResponse", api.MessageResponse{}, []string{"message"}},
		{"EventsResponse", api.EventsResponse{}, []string{"events"}},
		{"ErrorResponse", api.ErrorResponse{}, []string{"error"}},
		{"WatchMessage", api.WatchMessage{CWD: "/p"}, []string{"cwd", "instances", "type"}},
		{"HealthResponse", api.HealthResponse{}, []string{"cwd", "port", "status"}},
		{"Event", store.Event{ID: "x", Kind: store.EventStarted, Port: 1, Detail: map[string]any{"a": 1}},
			[]string{"cwd", "detail", "id", "kind", "port", "timestamp"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.keys, jsonKeys(t, tt.value))
		})
	}
}

// TestInstanceTimestampsAreEpochMillis keeps lastSeen and startedAt numeric,
// which is what the browser compares against Date.now().
func TestInstanceTimestampsAreEpochMillis(t *testing.T) {
	ts := time.UnixMilli(1767225600123)
	data, err := json.Marshal(registry.Instance{CWD: "/p", Port: 1, LastSeen: ts, StartedAt: ts})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(1767225600123), raw["lastSeen"])
	assert.Equal(t, float64(1767225600123), raw["startedAt"])
}

// TestDiscoveryConstants pins the values the browser UI hardcodes.
func TestDiscoveryConstants(t *testing.T) {
	assert.Equal(t, []int{13943, 14839, 18503, 19304, 20197}, config.DefaultPorts)
	assert.Equal(t, "opencode-web", config.ServiceName)
	assert.Equal(t, "127.0.0.1", config.LoopbackHost)
}

// TestStatusValues pins the instance status strings.
func TestStatusValues(t *testing.T) {
	assert.Equal(t, "online", string(registry.StatusOnline))
	assert.Equal(t, "offline", string(registry.StatusOffline))
}
