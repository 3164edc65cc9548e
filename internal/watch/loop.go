// Package watch applies preference changes to the occurrence store.
//
// Owners are hashed onto a fixed set of shard workers. Each shard is a
// FIFO with a single writer, so changes for one owner apply in arrival
// order while different owners proceed in parallel.
package watch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"remindd/internal/eventbus"
	"remindd/internal/preference"
	"remindd/internal/recurrence"
	rtsup "remindd/internal/runtime/supervisor"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

var ErrStopped = errors.New("watch loop stopped")

const (
	DefaultShards       = 4
	DefaultQueueSize    = 64
	DefaultStoreRetries = 3
	DefaultTitle        = "Study reminder"
)

// Reader returns an owner's current document; see preference.Source.
type Reader interface {
	Read(ownerID string) (preference.Preference, error)
}

type Config struct {
	Shards       int
	QueueSize    int
	HorizonWeeks int
	DefaultTitle string
	StoreRetries int
	RetryDelay   time.Duration
	Now          func() time.Time
}

type task struct {
	change preference.Change
	force  bool
	done   chan error // nil for fire-and-forget
}

type shard struct {
	q chan task
	// last applied revision per owner; touched only by the shard worker
	revs map[string]time.Time
}

type Loop struct {
	cfg    Config
	store  storage.Store
	reader Reader
	log    logx.Logger
	bus    eventbus.Bus

	horizon atomic.Int32

	mu      sync.Mutex
	shards  []*shard
	sup     *rtsup.Supervisor
	stopCh  chan struct{}
	running bool

	applied atomic.Uint64
	purged  atomic.Uint64
	stale   atomic.Uint64
	failed  atomic.Uint64
	lastErr atomic.Pointer[string]
}

func New(cfg Config, store storage.Store, reader Reader, log logx.Logger, bus eventbus.Bus) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.StoreRetries <= 0 {
		cfg.StoreRetries = DefaultStoreRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.DefaultTitle == "" {
		cfg.DefaultTitle = DefaultTitle
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := &Loop{cfg: cfg, store: store, reader: reader, log: log, bus: bus}
	l.SetHorizon(cfg.HorizonWeeks)
	return l
}

// SetHorizon changes the horizon used by subsequent regenerations.
func (l *Loop) SetHorizon(weeks int) {
	if weeks <= 0 {
		weeks = recurrence.DefaultHorizonWeeks
	}
	l.horizon.Store(int32(weeks))
}

func (l *Loop) Horizon() int { return int(l.horizon.Load()) }

// Start launches the shard workers under their own supervisor.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.shards = make([]*shard, l.cfg.Shards)
	l.stopCh = make(chan struct{})
	l.sup = rtsup.New(ctx, rtsup.WithLogger(l.log), rtsup.WithCancelOnError(false))
	for i := range l.shards {
		sh := &shard{q: make(chan task, l.cfg.QueueSize), revs: map[string]time.Time{}}
		l.shards[i] = sh
		stopCh := l.stopCh
		l.sup.GoRestart(fmt.Sprintf("shard.%d", i), func(c context.Context) error {
			l.worker(c, stopCh, sh)
			if c.Err() != nil {
				return nil
			}
			select {
			case <-stopCh:
				return nil
			default:
			}
			return errors.New("shard worker exited unexpectedly")
		})
	}
	l.running = true
	l.log.Info("watch loop started", logx.Int("shards", len(l.shards)), logx.Int("horizon_weeks", l.Horizon()))
}

// Stop halts the workers. Queued changes are dropped; the next initial
// scan or resync converges the store again.
func (l *Loop) Stop(ctx context.Context) {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	sup := l.sup
	l.mu.Unlock()

	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		l.log.Warn("watch loop stop timed out", logx.Err(err))
		return
	}
	l.log.Info("watch loop stopped")
}

// Run forwards changes until ctx is done.
func (l *Loop) Run(ctx context.Context, changes <-chan preference.Change) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-changes:
			if err := l.Enqueue(ctx, c); err != nil {
				if errors.Is(err, ErrStopped) || ctx.Err() != nil {
					return nil
				}
				l.log.Warn("change not queued", logx.Owner(c.OwnerID), logx.Err(err))
			}
		}
	}
}

// Enqueue hands c to its owner's shard, blocking while the shard is full.
func (l *Loop) Enqueue(ctx context.Context, c preference.Change) error {
	return l.submit(ctx, task{change: c})
}

// Resync re-reads the owner's document and applies it, waiting for the
// result. The revision guard is bypassed.
func (l *Loop) Resync(ctx context.Context, ownerID string) error {
	if err := preference.ValidOwnerID(ownerID); err != nil {
		return err
	}
	if l.reader == nil {
		return errors.New("no preference reader configured")
	}
	c := preference.Change{Kind: preference.Upsert, OwnerID: ownerID, At: l.cfg.Now()}
	p, err := l.reader.Read(ownerID)
	switch {
	case errors.Is(err, preference.ErrNotFound):
		c.Kind = preference.Remove
	case err != nil:
		return fmt.Errorf("read preference: %w", err)
	default:
		c.Pref = &p
	}
	done := make(chan error, 1)
	if err := l.submit(ctx, task{change: c, force: true, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) submit(ctx context.Context, t task) error {
	if t.change.OwnerID == "" {
		return preference.ErrInvalidOwner
	}
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return ErrStopped
	}
	sh := l.shards[shardIndex(t.change.OwnerID, len(l.shards))]
	stopCh := l.stopCh
	l.mu.Unlock()

	select {
	case sh.q <- t:
		return nil
	case <-stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func shardIndex(owner string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(owner))
	return int(h.Sum32() % uint32(n))
}

func (l *Loop) worker(ctx context.Context, stopCh <-chan struct{}, sh *shard) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-sh.q:
			err := l.apply(ctx, sh, t)
			if err != nil {
				l.failed.Add(1)
				msg := err.Error()
				l.lastErr.Store(&msg)
				l.log.Error("preference change failed", logx.Owner(t.change.OwnerID), logx.String("kind", t.change.Kind.String()), logx.Err(err))
			}
			if t.done != nil {
				t.done <- err
			}
		}
	}
}
