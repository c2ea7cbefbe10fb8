package authmethod

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/playwright-community/playwright-go"
)

func sampleSnapshot() *playwright.OptionalStorageState {
	return &playwright.OptionalStorageState{
		Origins: []playwright.Origin{{
			Origin: "http://127.0.0.1:3000",
			LocalStorage: []playwright.NameValue{
				{Name: TokenStorageKey, Value: "tok-abc"},
				{Name: UserStorageKey, Value: `{"id":"u1"}`},
			},
		}},
	}
}

func TestStorageState_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".auth", "storage-state.json")
	if err := SaveStorageState(path, sampleSnapshot()); err != nil {
		t.Fatalf("SaveStorageState failed: %v", err)
	}

	loaded, err := LoadStorageState(path)
	if err != nil {
		t.Fatalf("LoadStorageState failed: %v", err)
	}
	if len(loaded.Origins) != 1 {
		t.Fatalf("expected 1 origin, got %d", len(loaded.Origins))
	}
	got := map[string]string{}
	for _, nv := range loaded.Origins[0].LocalStorage {
		got[nv.Name] = nv.Value
	}
	if got[TokenStorageKey] != "tok-abc" {
		t.Errorf("token slot = %q", got[TokenStorageKey])
	}
	if got[UserStorageKey] != `{"id":"u1"}` {
		t.Errorf("user slot = %q", got[UserStorageKey])
	}
}

func TestSaveStorageState_RestrictsPermissions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	if err := SaveStorageState(path, sampleSnapshot()); err != nil {
		t.Fatalf("SaveStorageState failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected 0600 perms on token file, got %o", perm)
	}
}

func TestSaveStorageState_NilSnapshot(t *testing.T) {
	t.Parallel()

	if err := SaveStorageState(filepath.Join(t.TempDir(), "x.json"), nil); err == nil {
		t.Error("expected error for nil snapshot")
	}
}

func TestLoadStorageState_Missing(t *testing.T) {
	t.Parallel()

	if _, err := LoadStorageState(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadStorageState_Corrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := LoadStorageState(path); err == nil {
		t.Error("expected error for corrupt file")
	}
}
