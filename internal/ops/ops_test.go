package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"remindd/internal/preference"
	"remindd/internal/recurrence"
	"remindd/internal/runtime/lifecycle"
	"remindd/internal/storage"
	"remindd/internal/watch"
	logx "remindd/pkg/logx"
)

type fakeWatch struct {
	owners []string
	err    error
}

func (f *fakeWatch) Resync(_ context.Context, owner string) error {
	f.owners = append(f.owners, owner)
	return f.err
}

func (f *fakeWatch) Snapshot() watch.Snapshot { return watch.Snapshot{Running: true, Shards: 4} }

type fakePrefs map[string]preference.Preference

func (f fakePrefs) Read(owner string) (preference.Preference, error) {
	if err := preference.ValidOwnerID(owner); err != nil {
		return preference.Preference{}, err
	}
	p, ok := f[owner]
	if !ok {
		return preference.Preference{}, preference.ErrNotFound
	}
	return p, nil
}

func quietLifecycle() *lifecycle.Lifecycle {
	return lifecycle.New(lifecycle.WithNotifier(func(string) (bool, error) { return false, nil }))
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	lc := quietLifecycle()
	s := New(Config{}, logx.Nop())
	s.SetDeps(Deps{Lifecycle: lc})
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready = %d", rec.Code)
	}
	lc.MarkReady()
	if rec := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz after ready = %d", rec.Code)
	}

	lc.MarkFailed(errors.New("store: disk full"))
	rec := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	var body health
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Ready || body.State != lifecycle.StateFailed || !strings.Contains(body.Reason, "disk full") {
		t.Fatalf("health = %+v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id")
	}
	if rec := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz after failure = %d", rec.Code)
	}
}

func TestTokenGuardsV1(t *testing.T) {
	t.Parallel()

	s := New(Config{Token: "s3cret"}, logx.Nop())
	s.SetDeps(Deps{Lifecycle: quietLifecycle()})
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/v1/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/status", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/status", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("good token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rec.Code)
	}
}

func TestResync(t *testing.T) {
	t.Parallel()

	fw := &fakeWatch{}
	s := New(Config{}, logx.Nop())
	h := s.Handler()

	if rec := do(t, h, http.MethodPost, "/v1/owners/alice/resync", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("without watch = %d", rec.Code)
	}
	s.SetDeps(Deps{Watch: fw})
	if rec := do(t, h, http.MethodPost, "/v1/owners/alice/resync", ""); rec.Code != http.StatusOK {
		t.Fatalf("resync = %d %s", rec.Code, rec.Body)
	}
	if len(fw.owners) != 1 || fw.owners[0] != "alice" {
		t.Fatalf("owners = %v", fw.owners)
	}
	if rec := do(t, h, http.MethodPost, "/v1/owners/.alice/resync", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid owner = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/owners/alice/resync", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET resync = %d", rec.Code)
	}
	fw.err = watch.ErrStopped
	if rec := do(t, h, http.MethodPost, "/v1/owners/alice/resync", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("stopped watch = %d", rec.Code)
	}
}

func TestOccurrencesAndStatus(t *testing.T) {
	t.Parallel()

	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir() + "/occ"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	at := time.Now().Add(time.Hour).UTC()
	err = st.ReplaceAll(context.Background(), "alice", []storage.Occurrence{
		{ID: "alice/1/0", Weekday: 1, ScheduledFor: at, PushAddress: "1", Message: "m"},
	})
	if err != nil {
		t.Fatal(err)
	}

	s := New(Config{}, logx.Nop())
	s.SetDeps(Deps{Store: st, Lifecycle: quietLifecycle()})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/owners/alice/occurrences", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("occurrences = %d", rec.Code)
	}
	var body struct {
		Owner       string               `json:"owner"`
		Occurrences []storage.Occurrence `json:"occurrences"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Occurrences) != 1 || body.Occurrences[0].State != storage.StatePending {
		t.Fatalf("body = %+v", body)
	}

	rec = do(t, h, http.MethodGet, "/v1/status", "")
	var status statusBody
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Store == nil || status.Store.Pending != 1 || status.Lifecycle == nil {
		t.Fatalf("status = %s", rec.Body)
	}
}

func TestCalendarExport(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	s.SetDeps(Deps{
		Preferences: fakePrefs{"alice": {
			OwnerID:     "alice",
			Rule:        recurrence.Rule{Hour: 9, Frequency: recurrence.FreqWeekdays},
			PushAddress: "1",
			Enabled:     true,
		}},
		Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/owners/alice/calendar.ics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("calendar = %d %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("content type = %q", ct)
	}
	if b := rec.Body.String(); !strings.Contains(b, "BYDAY=MO,TU,WE,TH,FR") || !strings.Contains(b, "DTSTART") {
		t.Fatalf("ics = %s", b)
	}
	if b := rec.Body.String(); !strings.Contains(b, "SUMMARY:Study reminder") {
		t.Fatalf("summary should fall back to the default title: %s", b)
	}
	if rec := do(t, h, http.MethodGet, "/v1/owners/bob/calendar.ics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown owner = %d", rec.Code)
	}
}

func TestCalendarUsesConfiguredTitle(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	s.SetDeps(Deps{
		Preferences: fakePrefs{"alice": {
			OwnerID:     "alice",
			Rule:        recurrence.Rule{Hour: 9, Frequency: recurrence.FreqDaily},
			PushAddress: "1",
			Enabled:     true,
		}},
		Now:          func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
		DefaultTitle: "Deep work",
	})

	rec := do(t, s.Handler(), http.MethodGet, "/v1/owners/alice/calendar.ics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("calendar = %d %s", rec.Code, rec.Body)
	}
	if b := rec.Body.String(); !strings.Contains(b, "SUMMARY:Deep work") {
		t.Fatalf("ics = %s", b)
	}
}

func TestServeLifecycle(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	select {
	case <-s.Started():
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start")
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	stopCtx, c := context.WithTimeout(context.Background(), 3*time.Second)
	defer c()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatal("listener still set after stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
