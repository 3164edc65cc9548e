package dispatch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"remindd/internal/eventbus"
	"remindd/internal/gateway"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

var now = time.Date(2024, 1, 8, 1, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu    sync.Mutex
	sends map[string]int
	send  func(ctx context.Context, m gateway.Message) (gateway.Receipt, error)
}

func (g *fakeGateway) Name() string { return "fake" }
func (g *fakeGateway) Close() error { return nil }

func (g *fakeGateway) Send(ctx context.Context, m gateway.Message) (gateway.Receipt, error) {
	g.mu.Lock()
	if g.sends == nil {
		g.sends = map[string]int{}
	}
	g.sends[m.Metadata["occurrence_id"]]++
	g.mu.Unlock()
	if g.send != nil {
		return g.send(ctx, m)
	}
	return gateway.Receipt{Ref: "ref-" + m.Metadata["occurrence_id"], At: now}, nil
}

func (g *fakeGateway) count(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sends[id]
}

func seed(t *testing.T, at ...time.Time) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   t.TempDir() + "/occ.db",
		Now:    func() time.Time { return now },
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	occs := make([]storage.Occurrence, 0, len(at))
	for i, ts := range at {
		occs = append(occs, storage.Occurrence{
			ID:           "alice/1/" + strconv.Itoa(i),
			OwnerID:      "alice",
			Weekday:      1,
			WeekIndex:    i,
			ScheduledFor: ts,
			PushAddress:  "chat-1",
			Title:        "Study reminder",
			Message:      "go",
		})
	}
	if err := st.ReplaceAll(context.Background(), "alice", occs); err != nil {
		t.Fatal(err)
	}
	return st
}

func byID(t *testing.T, st storage.Store) map[string]storage.Occurrence {
	t.Helper()
	list, err := st.ListOwner(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]storage.Occurrence{}
	for _, o := range list {
		out[o.ID] = o
	}
	return out
}

func TestTickDeliversOnce(t *testing.T) {
	t.Parallel()

	st := seed(t, now.Add(10*time.Second))
	gw := &fakeGateway{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	p := New(Config{}, st, gw, logx.Nop(), bus, WithClock(func() time.Time { return now }))

	res, err := p.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Due != 1 || res.Delivered != 1 {
		t.Fatalf("result = %+v", res)
	}
	o := byID(t, st)["alice/1/0"]
	if o.State != storage.StateDelivered || o.MessageRef != "ref-alice/1/0" {
		t.Fatalf("occurrence = %+v", o)
	}
	if ev := <-events; ev.Type != eventbus.OccurrenceDelivered || ev.OwnerID != "alice" {
		t.Fatalf("event = %+v", ev)
	}

	if res, _ := p.Tick(context.Background()); res.Due != 0 {
		t.Fatalf("second tick found %d due", res.Due)
	}
	if n := gw.count("alice/1/0"); n != 1 {
		t.Fatalf("sent %d times", n)
	}
	if s := p.Snapshot(); s.Ticks != 2 || s.Totals.Delivered != 1 || s.Gateway != "fake" {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestTickClassifiesErrors(t *testing.T) {
	t.Parallel()

	st := seed(t, now.Add(-time.Minute), now.Add(30*time.Second))
	gw := &fakeGateway{send: func(_ context.Context, m gateway.Message) (gateway.Receipt, error) {
		if m.Metadata["occurrence_id"] == "alice/1/0" {
			return gateway.Receipt{}, gateway.InvalidAddress("chat not found")
		}
		return gateway.Receipt{}, errors.New("502 bad gateway")
	}}
	p := New(Config{Workers: 2}, st, gw, logx.Nop(), nil, WithClock(func() time.Time { return now }))

	res, err := p.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Retried != 1 {
		t.Fatalf("result = %+v", res)
	}
	got := byID(t, st)
	if o := got["alice/1/0"]; o.State != storage.StateFailed || o.ErrorDetail == "" || o.Attempts != 1 {
		t.Fatalf("invalid address occurrence = %+v", o)
	}
	if o := got["alice/1/1"]; o.State != storage.StatePending || o.Attempts != 1 || o.ErrorDetail != "502 bad gateway" {
		t.Fatalf("transient occurrence = %+v", o)
	}

	// the gateway recovers; the pending one goes out, the failed one is left alone
	gw.mu.Lock()
	gw.send = nil
	gw.mu.Unlock()
	res, _ = p.Tick(context.Background())
	if res.Due != 1 || res.Delivered != 1 {
		t.Fatalf("retry tick = %+v", res)
	}
	if gw.count("alice/1/0") != 1 {
		t.Fatal("failed occurrence was re-sent")
	}
}

func TestSendTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	st := seed(t, now)
	gw := &fakeGateway{send: func(ctx context.Context, _ gateway.Message) (gateway.Receipt, error) {
		<-ctx.Done()
		return gateway.Receipt{}, ctx.Err()
	}}
	p := New(Config{SendTimeout: 20 * time.Millisecond}, st, gw, logx.Nop(), nil, WithClock(func() time.Time { return now }))

	res, err := p.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Retried != 1 {
		t.Fatalf("result = %+v", res)
	}
	if o := byID(t, st)["alice/1/0"]; o.State != storage.StatePending || o.Attempts != 1 {
		t.Fatalf("occurrence = %+v", o)
	}
}

func TestTickWindow(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		at      time.Time
		wantDue int
	}{
		{name: "inside lookback", cfg: Config{Lookback: DefaultLookback}, at: now.Add(-2 * time.Minute), wantDue: 1},
		{name: "before lookback", cfg: Config{Lookback: DefaultLookback}, at: now.Add(-10 * time.Minute), wantDue: 0},
		{name: "inside window", cfg: Config{Lookback: DefaultLookback}, at: now.Add(45 * time.Second), wantDue: 1},
		{name: "after window", cfg: Config{Lookback: DefaultLookback}, at: now.Add(2 * time.Minute), wantDue: 0},
		{name: "zero lookback", cfg: Config{Lookback: 0, Window: time.Minute}, at: now.Add(-time.Second), wantDue: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := seed(t, tc.at)
			p := New(tc.cfg, st, &fakeGateway{}, logx.Nop(), nil, WithClock(func() time.Time { return now }))
			res, err := p.Tick(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if res.Due != tc.wantDue {
				t.Fatalf("due = %d, want %d", res.Due, tc.wantDue)
			}
		})
	}
}

func TestApplyRateLimit(t *testing.T) {
	t.Parallel()

	p := New(Config{}, nil, &fakeGateway{}, logx.Nop(), nil)
	p.Apply(Config{RatePerSec: 5, Workers: 2})
	s := p.Snapshot()
	if s.Config.RatePerSec != 5 || s.Config.Workers != 2 || s.Config.BatchSize != DefaultBatchSize {
		t.Fatalf("config = %+v", s.Config)
	}
}
