package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// loadOrCreateID returns the endpoint's persistent identity, creating
// and storing a fresh one on first run. Identities namespace rendezvous
// channels and locks, so they are kept on disk and survive restarts.
func loadOrCreateID(path string) (uuid.UUID, error) {
	if buf, err := os.ReadFile(path); err == nil {
		id, err := uuid.Parse(strings.TrimSpace(string(buf)))
		if err != nil {
			return uuid.Nil, fmt.Errorf("corrupt identity file %s: %w", path, err)
		}
		return id, nil
	}

	id := uuid.New()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return uuid.Nil, fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return uuid.Nil, fmt.Errorf("store identity: %w", err)
	}
	return id, nil
}
