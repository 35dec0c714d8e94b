// ABOUTME: JSON request and response bodies of the broker HTTP surface
// ABOUTME: Shared by the broker handlers, the CLI client, and instance runners

package api

import (
	"github.com/2389/opencode-web/internal/registry"
	"github.com/2389/opencode-web/internal/store"
)

// RegisterRequest is the body of POST /register and POST /ping.
type RegisterRequest struct {
	CWD  string `json:"cwd"`
	Port int    `json:"port"`
}

// CWDRequest is the body of POST /deregister, POST /instance and DELETE /instance.
type CWDRequest struct {
	CWD string `json:"cwd"`
}

// OKResponse answers POST /register.
type OKResponse struct {
	OK bool `json:"ok"`
}

// PingResponse answers POST /ping. Known is false when the broker has no
// entry for the cwd, and Online is false when the matching entry was demoted;
// either tells the instance to register again.
type PingResponse struct {
	OK      bool `json:"ok"`
	Known   bool `json:"known"`
	Matched bool `json:"matched"`
	Online  bool `json:"online"`
}

// ServiceInfo carries the broker signature checked by discovery probes.
type ServiceInfo struct {
	Name string `json:"name"`
}

// InstancesResponse answers GET /instances.
type InstancesResponse struct {
	Version   string              `json:"version"`
	Info      ServiceInfo         `json:"info"`
	Instances []registry.Instance `json:"instances"`
}

// DeregisterResponse answers POST /deregister.
type DeregisterResponse struct {
	Instances []registry.Instance `json:"instances"`
}

// StartResponse answers POST /instance.
type StartResponse struct {
	Message string `json:"message"`
	Port    int    `json:"port"`
}

// MessageResponse answers DELETE /instance.
type MessageResponse struct {
	Message string `json:"message"`
}

// EventsResponse answers GET /events.
type EventsResponse struct {
	Events []store.Event `json:"events"`
}

// ErrorResponse is the body of every non-2xx JSON answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WatchMessage is pushed over GET /watch: a full snapshot plus the change that caused it.
type WatchMessage struct {
	Type      string              `json:"type"` // "snapshot" or a registry change kind
	CWD       string              `json:"cwd,omitempty"`
	Instances []registry.Instance `json:"instances"`
}

// HealthResponse answers GET /health on an instance proxy.
type HealthResponse struct {
	Status string `json:"status"`
	CWD    string `json:"cwd"`
	Port   int    `json:"port"`
}
