package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.c != nil, Timezone: "UTC"}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Runs:    d.runs,
			Skipped: d.skipped,
			Fails:   d.fails,
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		d.state.mu.Lock()
		it.Running = d.state.inflight
		d.state.mu.Unlock()
		snap.Schedules = append(snap.Schedules, it)
	}
	s.mu.Unlock()
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })

	s.histMu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.histMu.Unlock()
	return snap
}
