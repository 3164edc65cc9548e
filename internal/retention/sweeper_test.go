package retention

import (
	"context"
	"testing"
	"time"

	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

func TestSweepAgesOutTerminalRecords(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   t.TempDir() + "/occ",
		Now:    func() time.Time { return clock },
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	occ := func(id string, week int) storage.Occurrence {
		return storage.Occurrence{ID: id, Weekday: 1, WeekIndex: week, ScheduledFor: base, PushAddress: "a"}
	}
	// created and delivered at base
	if err := st.ReplaceAll(ctx, "old", []storage.Occurrence{occ("old/1/0", 0), occ("old/1/1", 1), occ("old/1/2", 2)}); err != nil {
		t.Fatal(err)
	}
	_ = st.MarkDelivered(ctx, "old/1/0", "r")
	_ = st.MarkFailed(ctx, "old/1/1", "bad")

	// two days later
	clock = base.Add(48 * time.Hour)
	if err := st.ReplaceAll(ctx, "new", []storage.Occurrence{occ("new/1/0", 0)}); err != nil {
		t.Fatal(err)
	}
	_ = st.MarkDelivered(ctx, "new/1/0", "r")

	// eight days after base: old terminal records are 8d old, new ones 6d
	s := New(st, 0, logx.Nop(), nil)
	s.now = func() time.Time { return base.Add(8 * 24 * time.Hour) }
	res, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Delivered != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !res.Cutoff.Equal(base.Add(24 * time.Hour)) {
		t.Fatalf("cutoff = %v", res.Cutoff)
	}

	old, _ := st.ListOwner(ctx, "old")
	if len(old) != 1 || old[0].State != storage.StatePending {
		t.Fatalf("pending record should survive: %+v", old)
	}
	if kept, _ := st.ListOwner(ctx, "new"); len(kept) != 1 {
		t.Fatalf("6-day-old record purged: %+v", kept)
	}
	if s.Last().Delivered != 1 {
		t.Fatalf("last = %+v", s.Last())
	}
}
