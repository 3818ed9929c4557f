package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateIDPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "in_id")

	first, err := loadOrCreateID(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}

	second, err := loadOrCreateID(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first != second {
		t.Errorf("identity changed across loads: %s vs %s", first, second)
	}
}

func TestLoadOrCreateIDRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in_id")
	if err := os.WriteFile(path, []byte("not-a-uuid\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := loadOrCreateID(path); err == nil {
		t.Fatal("expected error for a corrupt identity file")
	}
}
