package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// TestFileStore_SaveLoadRemove verifies the basic key lifecycle on disk.
// Params: testing.T for assertions.
// Returns: none.
func TestFileStore_SaveLoadRemove(t *testing.T) {
	store, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	if _, err := store.Load(KeyEvents); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Save(KeyEvents, []byte(`[1,2]`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := store.Load(KeyEvents)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(raw) != `[1,2]` {
		t.Fatalf("unexpected value: %q", raw)
	}
	if err := store.Remove(KeyEvents); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Remove(KeyEvents); err != nil {
		t.Fatalf("remove missing key: %v", err)
	}
	if _, err := store.Load(KeyEvents); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

// TestFileStore_SurvivesReopen verifies values persist across store instances.
// Params: testing.T for assertions.
// Returns: none.
func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	first, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := SaveJSON(first, KeySessionID, "abc"); err != nil {
		t.Fatalf("save: %v", err)
	}

	second, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	var got string
	if err := LoadJSON(second, KeySessionID, &got); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "abc" {
		t.Fatalf("unexpected value: %q", got)
	}
}

// TestLoadJSON_CorruptValue verifies malformed JSON is reported as ErrCorrupt.
// Params: testing.T for assertions.
// Returns: none.
func TestLoadJSON_CorruptValue(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, KeyEvents+".json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	var target []int
	if err := LoadJSON(store, KeyEvents, &target); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestFileStore_RejectsUnsafeKeys(t *testing.T) {
	store, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for _, key := range []string{"", "../x", `a\b`, ".."} {
		if err := store.Save(key, []byte("1")); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	store := NewMemoryStore()
	value := []byte("abc")
	if err := store.Save("k", value); err != nil {
		t.Fatalf("save: %v", err)
	}
	value[0] = 'z'

	raw, err := store.Load("k")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(raw) != "abc" {
		t.Fatalf("stored value was aliased: %q", raw)
	}
}
