// Package project owns one supervised agent subprocess per registered
// project directory and fans out lifecycle events.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// registryEntry is one persisted project record.
type registryEntry struct {
	Name string `json:"name"`
	Dir  string `json:"dir"`
}

// loadRegistry reads the persisted project registry. A missing file is an
// empty registry, not an error.
func loadRegistry(path string) ([]registryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read project registry: %w", err)
	}

	var entries []registryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse project registry: %w", err)
	}
	return entries, nil
}

// saveRegistry persists the project registry.
func saveRegistry(path string, entries []registryEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project registry: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write project registry: %w", err)
	}
	return nil
}

// dedupeName resolves a name collision by suffixing the first free numeric
// suffix: "api", "api-2", "api-3", ...
func dedupeName(name string, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	for i := 2; ; i++ {
		candidate := name + "-" + strconv.Itoa(i)
		if !taken[candidate] {
			return candidate
		}
	}
}
