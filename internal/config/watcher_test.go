package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/aimemory/internal/config"
)

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "aimemory.yaml")
	writeFile(t, path, "engine:\n  fanout: 5\n")

	var (
		mu      sync.Mutex
		changes [][2]int
	)
	changed := make(chan struct{}, 4)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		mu.Lock()
		changes = append(changes, [2]int{old.Engine.Fanout, new.Engine.Fanout})
		mu.Unlock()
		changed <- struct{}{}
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if w.Current().Engine.Fanout != 5 {
		t.Fatalf("initial fanout = %d", w.Current().Engine.Fanout)
	}

	writeFile(t, path, "engine:\n  fanout: 3\n")
	bumpMtime(t, path, 1)
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no reload observed")
	}
	if w.Current().Engine.Fanout != 3 {
		t.Errorf("current fanout = %d, want 3", w.Current().Engine.Fanout)
	}
	mu.Lock()
	if len(changes) != 1 || changes[0] != [2]int{5, 3} {
		t.Errorf("changes = %v", changes)
	}
	mu.Unlock()
}

func TestWatcher_InvalidEditKeepsPrevious(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "aimemory.yaml")
	writeFile(t, path, "engine:\n  fanout: 4\n")

	calls := 0
	var mu sync.Mutex
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, "engine:\n  fanout: 1\n")
	bumpMtime(t, path, 1)
	time.Sleep(100 * time.Millisecond)

	if w.Current().Engine.Fanout != 4 {
		t.Errorf("fanout = %d, want previous 4", w.Current().Engine.Fanout)
	}
	mu.Lock()
	if calls != 0 {
		t.Errorf("onChange called %d times for an invalid edit", calls)
	}
	mu.Unlock()
}

func TestNewWatcher_InvalidInitial(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "aimemory.yaml")
	writeFile(t, path, "server:\n  log_level: loud\n")
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error")
	}
}

// bumpMtime moves the file's mtime forward so coarse filesystem clocks still
// register the edit.
func bumpMtime(t *testing.T, path string, seconds int) {
	t.Helper()
	ts := time.Now().Add(time.Duration(seconds) * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}
