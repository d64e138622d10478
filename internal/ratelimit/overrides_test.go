package ratelimit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOverrideManagerEmptyPathHasNoOverrides(t *testing.T) {
	m := NewOverrideManager("", false)
	defer m.Close()
	if _, ok := m.Lookup("example.com"); ok {
		t.Fatal("expected no override with empty path")
	}
}

func TestOverrideManagerLoadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	content := "domains:\n  slow.example.com:\n    min_delay: 2s\n    max_delay: 5s\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := NewOverrideManager(path, false)
	defer m.Close()

	b, ok := m.Lookup("slow.example.com")
	if !ok {
		t.Fatal("expected override for slow.example.com")
	}
	if b.MinDelay != 2*time.Second || b.MaxDelay != 5*time.Second {
		t.Fatalf("unexpected bounds: %+v", b)
	}
	if _, ok := m.Lookup("other.example.com"); ok {
		t.Fatal("expected no override for unlisted domain")
	}
}

func TestOverrideManagerHotReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	if err := os.WriteFile(path, []byte("domains:\n  a.example.com:\n    min_delay: 1s\n    max_delay: 1s\n"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := NewOverrideManager(path, true)
	defer m.Close()

	if err := os.WriteFile(path, []byte("domains:\n  b.example.com:\n    min_delay: 3s\n    max_delay: 3s\n"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Lookup("b.example.com"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected hot-reload to pick up new override within deadline")
}
