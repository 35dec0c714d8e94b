// ABOUTME: Loads or creates the control secret shared by the broker and its instances
// ABOUTME: The key file is written once with 0600 permissions and appears atomically

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	minSecretLen = 32
	secretLen    = 48
)

// LoadOrCreateSecret reads the base64 secret at path, creating it if missing.
// Concurrent creators race on the final link; the loser reads the winner's key.
func LoadOrCreateSecret(path string) ([]byte, error) {
	secret, err := readSecret(path)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	raw := make([]byte, secretLen)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating control secret: %w", err)
	}

	// CreateTemp files are 0600. The key is written in full under a temp name
	// and then linked into place, so readers never see a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(base64.StdEncoding.EncodeToString(raw) + "\n"); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return readSecret(path)
		}
		return nil, fmt.Errorf("installing key file: %w", err)
	}
	return raw, nil
}

func readSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding key file %s: %w", path, err)
	}
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("key file %s holds a %d byte secret, need %d", path, len(secret), minSecretLen)
	}
	return secret, nil
}
