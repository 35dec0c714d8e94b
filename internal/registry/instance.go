// ABOUTME: Instance record and change notification types for the registry
// ABOUTME: JSON encoding uses epoch milliseconds to match the browser UI

package registry

import (
	"encoding/json"
	"time"
)

// Status is the liveness state of an instance.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Instance is one agent server plus reverse proxy bound to a project directory.
// Port is only meaningful while Status is online.
type Instance struct {
	CWD       string
	Port      int
	Host      string
	Status    Status
	LastSeen  time.Time
	StartedAt time.Time
}

type instanceJSON struct {
	CWD       string `json:"cwd"`
	Port      int    `json:"port"`
	Host      string `json:"host"`
	Status    Status `json:"status"`
	LastSeen  int64  `json:"lastSeen,omitempty"`
	StartedAt int64  `json:"startedAt,omitempty"`
}

// MarshalJSON encodes timestamps as epoch milliseconds.
func (i Instance) MarshalJSON() ([]byte, error) {
	return json.Marshal(instanceJSON{
		CWD:       i.CWD,
		Port:      i.Port,
		Host:      i.Host,
		Status:    i.Status,
		LastSeen:  epochMillis(i.LastSeen),
		StartedAt: epochMillis(i.StartedAt),
	})
}

// UnmarshalJSON decodes the epoch millisecond form produced by MarshalJSON.
func (i *Instance) UnmarshalJSON(data []byte) error {
	var raw instanceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = Instance{
		CWD:       raw.CWD,
		Port:      raw.Port,
		Host:      raw.Host,
		Status:    raw.Status,
		LastSeen:  fromMillis(raw.LastSeen),
		StartedAt: fromMillis(raw.StartedAt),
	}
	return nil
}

func epochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// HeartbeatResult reports how a heartbeat matched the table.
// Known without Matched means the cwd was taken over by a different port.
// Matched without Online means the entry was demoted while the instance lived.
type HeartbeatResult struct {
	Known   bool `json:"known"`
	Matched bool `json:"matched"`
	Online  bool `json:"online"`
}

// ChangeKind names a registry status transition.
type ChangeKind string

const (
	ChangeRegistered   ChangeKind = "registered"
	ChangeDeregistered ChangeKind = "deregistered"
	ChangeStale        ChangeKind = "stale"
)

// Change is delivered to an Observer after a transition is committed.
type Change struct {
	Kind     ChangeKind
	Instance Instance
}

// Observer receives registry changes. It is called outside the registry lock
// and must not block for long.
type Observer func(Change)
