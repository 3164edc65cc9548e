// Package retention deletes terminal occurrences once they age out.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"remindd/internal/eventbus"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

const DefaultWindow = 7 * 24 * time.Hour

type Sweeper struct {
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu     sync.Mutex
	window time.Duration
	last   Result
}

type Result struct {
	At        time.Time `json:"at"`
	Cutoff    time.Time `json:"cutoff"`
	Delivered int64     `json:"delivered"`
	Failed    int64     `json:"failed"`
	Err       string    `json:"error,omitempty"`
}

func New(store storage.Store, window time.Duration, log logx.Logger, bus eventbus.Bus) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Sweeper{store: store, log: log, bus: bus, now: time.Now}
	s.SetWindow(window)
	return s
}

func (s *Sweeper) SetWindow(d time.Duration) {
	if d <= 0 {
		d = DefaultWindow
	}
	s.mu.Lock()
	s.window = d
	s.mu.Unlock()
}

// Sweep purges Delivered records by delivery time and Failed records by
// creation time. Both states are attempted even if one fails.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	s.mu.Lock()
	window := s.window
	s.mu.Unlock()

	now := s.now().UTC()
	res := Result{At: now, Cutoff: now.Add(-window)}
	var errs []error
	for _, st := range []storage.State{storage.StateDelivered, storage.StateFailed} {
		n, err := s.store.PurgeOlderThan(ctx, res.Cutoff, st)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", st, err))
			continue
		}
		if st == storage.StateDelivered {
			res.Delivered = n
		} else {
			res.Failed = n
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		res.Err = err.Error()
		s.log.Warn("retention sweep incomplete; retrying next cycle", logx.Err(err))
	} else {
		s.log.Info("retention sweep",
			logx.Time("cutoff", res.Cutoff),
			logx.Int64("delivered", res.Delivered),
			logx.Int64("failed", res.Failed))
	}
	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	s.bus.Publish(eventbus.Event{Type: eventbus.RetentionSwept, Data: res})
	return res, err
}

func (s *Sweeper) Last() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
