package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "remindd/pkg/logx"
)

// fileStore keeps every occurrence in memory and persists mutations.
//
// Files:
//   - <prefix>.snapshot.json  (periodic full snapshot)
//   - <prefix>.journal.jsonl  (append-only journal since the snapshot)
//
// One journal line is one atomic batch; a torn trailing line is ignored
// on replay.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int

	byID    map[string]*Occurrence
	byOwner map[string]map[string]struct{}
}

type journalOp struct {
	Put *Occurrence `json:"put,omitempty"`
	Del string      `json:"del,omitempty"`
}

type journalRecord struct {
	At  int64       `json:"at"`
	Ops []journalOp `json:"ops"`
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		now:          cfg.clock(),
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: 1000,
		byID:         map[string]*Occurrence{},
		byOwner:      map[string]map[string]struct{}{},
	}
	if err := s.loadSnapshot(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replay(journalPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	// start from a clean snapshot so the journal stays short
	if err := s.compactLocked(); err != nil {
		log.Warn("file store compact failed", logx.Err(err))
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) applyLocked(ops []journalOp) {
	for _, op := range ops {
		if op.Put != nil {
			o := *op.Put
			s.byID[o.ID] = &o
			ids := s.byOwner[o.OwnerID]
			if ids == nil {
				ids = map[string]struct{}{}
				s.byOwner[o.OwnerID] = ids
			}
			ids[o.ID] = struct{}{}
		}
		if op.Del != "" {
			if o, ok := s.byID[op.Del]; ok {
				delete(s.byID, op.Del)
				if ids := s.byOwner[o.OwnerID]; ids != nil {
					delete(ids, op.Del)
					if len(ids) == 0 {
						delete(s.byOwner, o.OwnerID)
					}
				}
			}
		}
	}
}

// commitLocked journals ops, then applies them to the index.
func (s *fileStore) commitLocked(ops []journalOp) error {
	if len(ops) == 0 {
		return nil
	}
	if s.journal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(journalRecord{At: s.now().UnixMilli(), Ops: ops})
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	s.applyLocked(ops)
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("file store compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ReplaceAll(ctx context.Context, ownerID string, occs []Occurrence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := prepare(ownerID, occs, s.now().UTC())
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(next))
	ops := make([]journalOp, 0, len(next))
	for _, o := range next {
		keep[o.ID] = struct{}{}
		if prev, ok := s.byID[o.ID]; ok && prev.sameSlot(o) {
			if prev.State.Terminal() {
				continue
			}
			o.CreatedAt = prev.CreatedAt
			o.Attempts = prev.Attempts
			o.ErrorDetail = prev.ErrorDetail
		}
		ops = append(ops, journalOp{Put: &o})
	}
	for id := range s.byOwner[ownerID] {
		if _, ok := keep[id]; !ok {
			ops = append(ops, journalOp{Del: id})
		}
	}
	return s.commitLocked(ops)
}

func (s *fileStore) FindDueUndelivered(ctx context.Context, start, end time.Time, limit int) ([]Occurrence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	out := make([]Occurrence, 0, min(limit, 64))
	for _, o := range s.byID {
		if o.State != StatePending || o.ScheduledFor.Before(start) || o.ScheduledFor.After(end) {
			continue
		}
		out = append(out, *o)
	}
	s.mu.Unlock()
	sortOccurrences(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) transition(ctx context.Context, id string, fn func(o *Occurrence)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if cur.State != StatePending {
		return nil
	}
	next := *cur
	fn(&next)
	return s.commitLocked([]journalOp{{Put: &next}})
}

func (s *fileStore) MarkDelivered(ctx context.Context, id, messageRef string) error {
	return s.transition(ctx, id, func(o *Occurrence) {
		o.State = StateDelivered
		o.DeliveredAt = s.now().UTC()
		o.MessageRef = messageRef
		o.ErrorDetail = ""
		o.Attempts++
	})
}

func (s *fileStore) MarkFailed(ctx context.Context, id, errorDetail string) error {
	return s.transition(ctx, id, func(o *Occurrence) {
		o.State = StateFailed
		o.ErrorDetail = errorDetail
		o.Attempts++
	})
}

func (s *fileStore) NoteAttempt(ctx context.Context, id, errorDetail string) error {
	return s.transition(ctx, id, func(o *Occurrence) {
		o.ErrorDetail = errorDetail
		o.Attempts++
	})
}

func (s *fileStore) PurgeOlderThan(ctx context.Context, cutoff time.Time, state State) (int64, error) {
	if err := checkPurgeState(state); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ops []journalOp
	for id, o := range s.byID {
		if o.State != state {
			continue
		}
		ref := o.CreatedAt
		if state == StateDelivered {
			ref = o.DeliveredAt
		}
		if !ref.IsZero() && ref.Before(cutoff) {
			ops = append(ops, journalOp{Del: id})
		}
	}
	if err := s.commitLocked(ops); err != nil {
		return 0, err
	}
	return int64(len(ops)), nil
}

func (s *fileStore) PurgeOwner(ctx context.Context, ownerID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]journalOp, 0, len(s.byOwner[ownerID]))
	for id := range s.byOwner[ownerID] {
		ops = append(ops, journalOp{Del: id})
	}
	if err := s.commitLocked(ops); err != nil {
		return 0, err
	}
	return int64(len(ops)), nil
}

func (s *fileStore) ListOwner(ctx context.Context, ownerID string) ([]Occurrence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]Occurrence, 0, len(s.byOwner[ownerID]))
	for id := range s.byOwner[ownerID] {
		out = append(out, *s.byID[id])
	}
	s.mu.Unlock()
	sortOccurrences(out)
	return out, nil
}

func (s *fileStore) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Owners: int64(len(s.byOwner))}
	for _, o := range s.byID {
		switch o.State {
		case StatePending:
			st.Pending++
		case StateDelivered:
			st.Delivered++
		case StateFailed:
			st.Failed++
		}
	}
	return st, nil
}

func sortOccurrences(out []Occurrence) {
	slices.SortFunc(out, func(a, b Occurrence) int {
		if c := a.ScheduledFor.Compare(b.ScheduledFor); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func (s *fileStore) compactLocked() error {
	all := make([]Occurrence, 0, len(s.byID))
	for _, o := range s.byID {
		all = append(all, *o)
	}
	sortOccurrences(all)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(all); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var all []Occurrence
	if err := json.NewDecoder(f).Decode(&all); err != nil {
		return err
	}
	ops := make([]journalOp, 0, len(all))
	for i := range all {
		ops = append(ops, journalOp{Put: &all[i]})
	}
	s.applyLocked(ops)
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	skipped := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		s.applyLocked(r.Ops)
	}
	if skipped > 0 {
		s.log.Warn("file store journal had unreadable lines", logx.Int("skipped", skipped))
	}
	return sc.Err()
}
