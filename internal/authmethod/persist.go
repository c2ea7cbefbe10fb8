package authmethod

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/playwright-community/playwright-go"
)

// SaveStorageState writes a session snapshot to disk as JSON. The file is
// created 0600 since it contains a live token. Concurrent workers must use
// distinct paths; this layer does no locking.
func SaveStorageState(path string, snapshot *playwright.OptionalStorageState) error {
	if snapshot == nil {
		return fmt.Errorf("nil storage state")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage state dir: %w", err)
		}
	}
	encoded, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage state: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return fmt.Errorf("write storage state: %w", err)
	}
	return nil
}

// LoadStorageState reads a previously persisted session snapshot.
func LoadStorageState(path string) (*playwright.OptionalStorageState, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read storage state: %w", err)
	}
	var snapshot playwright.OptionalStorageState
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("decode storage state %s: %w", path, err)
	}
	return &snapshot, nil
}
