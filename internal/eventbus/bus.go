// Package eventbus is an in-memory fanout of pipeline events.
//
// Publish never blocks: subscribers get buffered channels and a slow
// subscriber loses events instead of stalling the dispatch loop.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the pipeline.
const (
	OccurrenceDelivered   = "occurrence.delivered"
	OccurrenceFailed      = "occurrence.failed"
	OccurrenceRetry       = "occurrence.retry"
	OwnerRegenerated      = "owner.regenerated"
	OwnerPurged           = "owner.purged"
	RetentionSwept        = "retention.swept"
	LifecycleStateChanged = "lifecycle.state"
)

type Event struct {
	Type    string
	Time    time.Time
	OwnerID string
	Data    any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Mem is the default Bus. It owns no goroutines.
type Mem struct {
	mu      sync.Mutex
	subs    map[uint64]chan Event
	seq     uint64
	dropped atomic.Uint64
}

func New() *Mem {
	return &Mem{subs: map[uint64]chan Event{}}
}

// Publish holds the lock while sending so an unsubscribe cannot close a
// channel mid-send; every send is non-blocking.
func (b *Mem) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Mem) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports events lost to full subscriber buffers.
func (b *Mem) Dropped() uint64 { return b.dropped.Load() }

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
