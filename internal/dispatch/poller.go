// Package dispatch delivers due occurrences through a gateway.
//
// Each Tick scans the store once. Ticks are driven externally by the
// trigger scheduler, which also keeps two ticks from overlapping.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"remindd/internal/eventbus"
	"remindd/internal/gateway"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

const (
	DefaultWindow      = 60 * time.Second
	DefaultLookback    = 5 * time.Minute
	DefaultBatchSize   = 500
	DefaultWorkers     = 4
	DefaultSendTimeout = 10 * time.Second
)

// Config tunes a tick. Lookback may be zero, which only picks up
// occurrences from now onwards.
type Config struct {
	Window      time.Duration
	Lookback    time.Duration
	BatchSize   int
	Workers     int
	RatePerSec  int // 0 disables rate limiting
	SendTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Lookback < 0 {
		c.Lookback = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

type Option func(*Poller)

func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

type Poller struct {
	store storage.Store
	gw    gateway.Gateway
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	last    TickResult
	lastErr string
	ticks   uint64
	totals  Totals
}

// TickResult summarizes one tick.
type TickResult struct {
	At          time.Time     `json:"at"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	Due         int           `json:"due"`
	Delivered   int           `json:"delivered"`
	Failed      int           `json:"failed"`
	Retried     int           `json:"retried"`
	StoreErrors int           `json:"store_errors,omitempty"`
	Duration    time.Duration `json:"duration"`
}

type Totals struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
}

type Snapshot struct {
	Gateway string     `json:"gateway"`
	Ticks   uint64     `json:"ticks"`
	Last    TickResult `json:"last"`
	LastErr string     `json:"last_error,omitempty"`
	Totals  Totals     `json:"totals"`
	Config  Config     `json:"config"`
}

func New(cfg Config, store storage.Store, gw gateway.Gateway, log logx.Logger, bus eventbus.Bus, opts ...Option) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	p := &Poller{store: store, gw: gw, log: log, bus: bus, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	p.Apply(cfg)
	return p
}

// Apply swaps the tuning; the next tick uses it.
func (p *Poller) Apply(cfg Config) {
	cfg = cfg.normalized()
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	p.mu.Lock()
	p.cfg = cfg
	p.limiter = lim
	p.mu.Unlock()
}

// Tick delivers every pending occurrence due in
// [now-lookback, now+window]. A store read failure skips the tick.
func (p *Poller) Tick(ctx context.Context) (TickResult, error) {
	p.mu.Lock()
	cfg, lim := p.cfg, p.limiter
	p.mu.Unlock()

	start := time.Now()
	now := p.now().UTC()
	res := TickResult{At: now, WindowStart: now.Add(-cfg.Lookback), WindowEnd: now.Add(cfg.Window)}

	due, err := p.store.FindDueUndelivered(ctx, res.WindowStart, res.WindowEnd, cfg.BatchSize)
	if err != nil {
		err = fmt.Errorf("find due occurrences: %w", err)
		p.finish(res, start, err)
		return res, err
	}
	res.Due = len(due)
	if len(due) == 0 {
		p.finish(res, start, nil)
		return res, nil
	}

	var delivered, failed, retried, storeErrs atomic.Int64
	jobs := make(chan storage.Occurrence)
	var wg sync.WaitGroup
	for range min(cfg.Workers, len(due)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for o := range jobs {
				switch outcome, err := p.deliver(ctx, cfg, o); {
				case err != nil:
					storeErrs.Add(1)
					p.log.Error("store update failed", logx.String("id", o.ID), logx.Err(err))
				case outcome == outcomeDelivered:
					delivered.Add(1)
				case outcome == outcomeFailed:
					failed.Add(1)
				case outcome == outcomeRetry:
					retried.Add(1)
				}
			}
		}()
	}

feed:
	for _, o := range due {
		if err := lim.Wait(ctx); err != nil {
			break feed
		}
		select {
		case jobs <- o:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	res.Delivered = int(delivered.Load())
	res.Failed = int(failed.Load())
	res.Retried = int(retried.Load())
	res.StoreErrors = int(storeErrs.Load())
	var tickErr error
	if res.StoreErrors > 0 {
		tickErr = fmt.Errorf("%d store updates failed", res.StoreErrors)
	}
	if ctx.Err() != nil {
		tickErr = errors.Join(tickErr, ctx.Err())
	}
	p.finish(res, start, tickErr)
	return res, tickErr
}

type outcome int

const (
	outcomeDelivered outcome = iota + 1
	outcomeFailed
	outcomeRetry
)

func (p *Poller) deliver(ctx context.Context, cfg Config, o storage.Occurrence) (outcome, error) {
	sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	rcpt, err := p.gw.Send(sendCtx, gateway.Message{
		Address: o.PushAddress,
		Title:   o.Title,
		Body:    o.Message,
		Metadata: map[string]string{
			"occurrence_id": o.ID,
			"owner_id":      o.OwnerID,
			"scheduled_for": o.ScheduledFor.UTC().Format(time.RFC3339),
		},
	})
	cancel()

	log := p.log.With(logx.Owner(o.OwnerID), logx.String("id", o.ID))
	ev := eventbus.Event{OwnerID: o.OwnerID, Data: o.ID}
	switch {
	case err == nil:
		if err := p.store.MarkDelivered(ctx, o.ID, rcpt.Ref); err != nil {
			return 0, err
		}
		log.Debug("occurrence delivered", logx.String("ref", rcpt.Ref))
		ev.Type = eventbus.OccurrenceDelivered
		p.bus.Publish(ev)
		return outcomeDelivered, nil
	case errors.Is(err, gateway.ErrInvalidAddress):
		if err := p.store.MarkFailed(ctx, o.ID, err.Error()); err != nil {
			return 0, err
		}
		log.Warn("occurrence failed permanently", logx.Err(err))
		ev.Type = eventbus.OccurrenceFailed
		p.bus.Publish(ev)
		return outcomeFailed, nil
	default:
		if err := p.store.NoteAttempt(ctx, o.ID, err.Error()); err != nil {
			return 0, err
		}
		log.Info("delivery will be retried", logx.Err(err))
		ev.Type = eventbus.OccurrenceRetry
		p.bus.Publish(ev)
		return outcomeRetry, nil
	}
}

func (p *Poller) finish(res TickResult, start time.Time, err error) {
	res.Duration = time.Since(start)
	p.mu.Lock()
	p.ticks++
	p.last = res
	p.lastErr = ""
	if err != nil {
		p.lastErr = err.Error()
	}
	p.totals.Delivered += uint64(res.Delivered)
	p.totals.Failed += uint64(res.Failed)
	p.totals.Retried += uint64(res.Retried)
	p.mu.Unlock()

	if err != nil {
		p.log.Warn("dispatch tick incomplete", logx.Int("due", res.Due), logx.Err(err))
		return
	}
	if res.Due > 0 {
		p.log.Info("dispatch tick",
			logx.Int("due", res.Due),
			logx.Int("delivered", res.Delivered),
			logx.Int("failed", res.Failed),
			logx.Int("retried", res.Retried),
			logx.Duration("took", res.Duration))
	}
}

func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{Ticks: p.ticks, Last: p.last, LastErr: p.lastErr, Totals: p.totals, Config: p.cfg}
	if p.gw != nil {
		s.Gateway = p.gw.Name()
	}
	return s
}
