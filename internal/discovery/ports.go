// ABOUTME: Port probing and free-port selection over the fixed candidate list
// ABOUTME: A probe only succeeds when the answer carries the broker signature

package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/opencode-web/internal/config"
)

// ProbeTimeout bounds a single signature probe.
const ProbeTimeout = time.Second

// signature is the subset of GET /instances a probe checks.
type signature struct {
	Info struct {
		Name string `json:"name"`
	} `json:"info"`
	Instances json.RawMessage `json:"instances"`
}

// Probe reports whether an opencode-web broker answers on host:port.
// An open port serving anything else is not a broker.
func Probe(ctx context.Context, client *http.Client, host string, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/instances", net.JoinHostPort(host, strconv.Itoa(port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false
	}

	var sig signature
	if err := json.Unmarshal(body, &sig); err != nil {
		return false
	}
	if sig.Info.Name != config.ServiceName {
		return false
	}
	return bytes.HasPrefix(bytes.TrimSpace(sig.Instances), []byte("["))
}

// FindFree returns the first candidate that can be bound on host right now.
// The listener is released immediately, so another process may take the port
// before the caller binds it; callers must treat a later bind failure as a lost race.
func FindFree(host string, candidates []int) (int, bool) {
	for _, port := range candidates {
		if isPortAvailable(host, port) {
			return port, true
		}
	}
	return 0, false
}

// FreePort asks the kernel for an ephemeral port on host.
func FreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("allocating port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func isPortAvailable(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
