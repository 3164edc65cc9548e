package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"remindd/internal/config"
	"remindd/internal/runtime/lifecycle"
)

func writeConfig(t *testing.T, dir, storagePath string) string {
	t.Helper()
	body := strings.Join([]string{
		"logging:",
		"  level: error",
		"storage:",
		"  driver: file",
		"  path: " + storagePath,
		"preferences:",
		"  dir: " + filepath.Join(dir, "prefs"),
		"  debounce: 20ms",
		"recurrence:",
		"  horizon_weeks: 2",
		"retention:",
		"  run_on_start: false",
		"gateway:",
		"  driver: log",
		"ops:",
		"  enabled: false",
		"",
	}, "\n")
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func stop(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatal(err)
	}
}

func TestStartGeneratesOccurrences(t *testing.T) {
	dir := t.TempDir()
	prefs := filepath.Join(dir, "prefs")
	if err := os.MkdirAll(prefs, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := `{"hour": 9, "frequency": "weekday", "push_address": "chat-1", "message": "study"}`
	if err := os.WriteFile(filepath.Join(prefs, "alice.json"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := New(writeConfig(t, dir, filepath.Join(dir, "data", "occ")))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stop(t, a)

	if s := a.Lifecycle().Snapshot(); s.State != lifecycle.StateReady {
		t.Fatalf("lifecycle = %+v", s)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		occs, err := a.pipe.store.ListOwner(context.Background(), "alice")
		if err != nil {
			t.Fatal(err)
		}
		if len(occs) == 10 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d occurrences, want 5 weekdays x 2 weeks", len(occs))
		}
		time.Sleep(20 * time.Millisecond)
	}

	names := map[string]bool{}
	for _, s := range a.pipe.sched.Snapshot().Schedules {
		names[s.Name] = true
	}
	if !names[jobDispatch] || !names[jobRetention] {
		t.Fatalf("schedules = %v", names)
	}
}

func TestStoreFailureKeepsServing(t *testing.T) {
	dir := t.TempDir()
	// a regular file where the store directory should be
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := New(writeConfig(t, dir, filepath.Join(blocker, "occ")))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start must not fail on store errors: %v", err)
	}
	defer stop(t, a)

	s := a.Lifecycle().Snapshot()
	if s.State != lifecycle.StateFailed || s.Ready || !strings.Contains(s.Reason, "open store") {
		t.Fatalf("lifecycle = %+v", s)
	}
	if a.pipe != nil {
		t.Fatal("pipeline should not be running")
	}
	select {
	case <-a.Done():
		t.Fatal("app context canceled on store failure")
	default:
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"storage": {"driver": "mongo"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestGatewayTimeoutFollowsSendTimeout(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Gateway:  config.GatewayConfig{Driver: "telegram"},
		Dispatch: config.DispatchConfig{SendTimeout: "3s"},
	}
	ds, err := cfg.Dispatch.Settings()
	if err != nil {
		t.Fatal(err)
	}
	gc := mapGatewayConfig(cfg, ds.SendTimeout)
	if gc.HTTPTimeout != 3*time.Second || mapDispatchConfig(ds).SendTimeout != gc.HTTPTimeout {
		t.Fatalf("gateway timeout %v, dispatch send timeout %v", gc.HTTPTimeout, ds.SendTimeout)
	}
}
