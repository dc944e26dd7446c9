package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, yaml string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxaid.yaml")
	writeConfig(t, path, validYAML)

	var mu sync.Mutex
	var diffs []ConfigDiff
	onChange := func(old, new *Config) {
		mu.Lock()
		defer mu.Unlock()
		diffs = append(diffs, Diff(old, new))
	}

	w, err := NewWatcher(path, onChange, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.LogLevel; got != LogDebug {
		t.Fatalf("initial LogLevel = %q, want debug", got)
	}

	// An mtime in the past can collide with the first stat; rewrite with a
	// different level and wait for the poll to pick it up.
	writeConfig(t, path, strings.Replace(validYAML, "log_level: debug", "log_level: warn", 1))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().Server.LogLevel == LogWarn {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := w.Current().Server.LogLevel; got != LogWarn {
		t.Fatalf("LogLevel after rewrite = %q, want warn", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(diffs) == 0 || !diffs[len(diffs)-1].LogLevelChanged {
		t.Errorf("onChange diffs = %+v, want a log level change", diffs)
	}
}

func TestWatcherKeepsOldConfigOnInvalidEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxaid.yaml")
	writeConfig(t, path, validYAML)

	w, err := NewWatcher(path, nil, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, "upstreams:\n  stt:\n    protocol: grpc\n")

	// Give the poller a few cycles; the broken file must never replace the
	// last valid config.
	time.Sleep(100 * time.Millisecond)
	if got := w.Current().Server.Addr; got != ":9000" {
		t.Errorf("Current after invalid edit = %q, want the old config", got)
	}
}

func TestWatcherInitialLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := NewWatcher(path, nil); err == nil {
		t.Fatal("NewWatcher on a missing file succeeded")
	}
}
