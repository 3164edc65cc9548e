package preference

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"remindd/internal/fswatch"
	logx "remindd/pkg/logx"
)

const DefaultDebounce = 250 * time.Millisecond

// rescanKey debounces full directory rescans after a watcher overflow.
const rescanKey = ""

// Source watches a directory of preference documents and publishes a
// Change per owner whose document appears, changes or disappears.
// Bursts of writes to one file collapse into a single change.
type Source struct {
	dir      string
	debounce time.Duration
	log      logx.Logger
	out      chan Change

	mu     sync.Mutex
	ctx    context.Context
	known  map[string]bool
	timers map[string]*time.Timer
}

func NewSource(dir string, debounce time.Duration, log logx.Logger) *Source {
	if log.IsZero() {
		log = logx.Nop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Source{
		dir:      dir,
		debounce: debounce,
		log:      log,
		out:      make(chan Change, 64),
		known:    map[string]bool{},
		timers:   map[string]*time.Timer{},
	}
}

func (s *Source) Dir() string { return s.dir }

// Changes is never closed; consumers stop on their own context.
func (s *Source) Changes() <-chan Change { return s.out }

// Run emits an Upsert for every existing document, then follows the
// directory until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	defer s.stopTimers()

	s.scan(ctx)
	return fswatch.Run(ctx, s.dir, s.log, func(ev fsnotify.Event) {
		if ev.Name == "" {
			s.schedule(rescanKey)
			return
		}
		if owner, ok := OwnerIDFromPath(ev.Name); ok {
			s.schedule(owner)
		}
	})
}

// Read loads the owner's current document.
func (s *Source) Read(ownerID string) (Preference, error) {
	if err := ValidOwnerID(ownerID); err != nil {
		return Preference{}, err
	}
	for _, ext := range extensions {
		path := filepath.Join(s.dir, ownerID+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Preference{}, err
		}
		var mod time.Time
		if fi, err := os.Stat(path); err == nil {
			mod = fi.ModTime()
		}
		return Decode(path, data, mod)
	}
	return Preference{}, ErrNotFound
}

// Owners lists owners with a document on disk.
func (s *Source) Owners() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if owner, ok := OwnerIDFromPath(e.Name()); ok && !seen[owner] {
			seen[owner] = true
			out = append(out, owner)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Source) scan(ctx context.Context) {
	owners, err := s.Owners()
	if err != nil {
		s.log.Error("preference scan failed", logx.String("dir", s.dir), logx.Err(err))
		return
	}
	present := make(map[string]bool, len(owners))
	for _, owner := range owners {
		present[owner] = true
		s.emit(ctx, owner)
	}
	s.mu.Lock()
	var gone []string
	for owner := range s.known {
		if !present[owner] {
			gone = append(gone, owner)
		}
	}
	s.mu.Unlock()
	for _, owner := range gone {
		s.emit(ctx, owner)
	}
	s.log.Debug("preference scan done", logx.Int("owners", len(owners)), logx.Int("removed", len(gone)))
}

func (s *Source) emit(ctx context.Context, owner string) {
	p, err := s.Read(owner)
	switch {
	case errors.Is(err, ErrNotFound):
		s.mu.Lock()
		was := s.known[owner]
		delete(s.known, owner)
		s.mu.Unlock()
		if was {
			s.send(ctx, Change{Kind: Remove, OwnerID: owner, At: time.Now()})
		}
	case err != nil:
		s.log.Warn("preference document skipped", logx.Owner(owner), logx.Err(err))
	default:
		s.mu.Lock()
		s.known[owner] = true
		s.mu.Unlock()
		s.send(ctx, Change{Kind: Upsert, OwnerID: owner, Pref: &p, At: time.Now()})
	}
}

func (s *Source) send(ctx context.Context, c Change) {
	select {
	case s.out <- c:
	case <-ctx.Done():
	}
}

func (s *Source) schedule(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.timers[key]; t != nil {
		t.Reset(s.debounce)
		return
	}
	s.timers[key] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		delete(s.timers, key)
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		if key == rescanKey {
			s.scan(ctx)
			return
		}
		s.emit(ctx, key)
	})
}

func (s *Source) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
}
