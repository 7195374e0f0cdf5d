package devicekey

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "device_key.json")

	if err := Save(path, "dk_abc123"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	key, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if key != "dk_abc123" {
		t.Errorf("Load() = %q, want dk_abc123", key)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestSavePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	path := filepath.Join(t.TempDir(), "state", "device_key.json")
	if err := Save(path, "dk_abc123"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
}

func TestLoadEmptyRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_key.json")
	if err := os.WriteFile(path, []byte(`{"deviceKey":""}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}
