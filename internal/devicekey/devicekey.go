// Package devicekey persists the daemon's pairing credential on disk.
package devicekey

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNotFound means no credential has been stored yet.
var ErrNotFound = errors.New("no device key stored")

// Record is the on-disk credential shape.
type Record struct {
	DeviceKey string    `json:"deviceKey"`
	PairedAt  time.Time `json:"pairedAt"`
}

// Save writes the credential with owner-only permissions.
func Save(path, deviceKey string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(Record{DeviceKey: deviceKey, PairedAt: time.Now()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode device key: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write device key: %w", err)
	}
	return nil
}

// Load reads the stored credential. A missing file returns ErrNotFound.
func Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read device key: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("decode device key: %w", err)
	}
	if rec.DeviceKey == "" {
		return "", ErrNotFound
	}
	return rec.DeviceKey, nil
}
