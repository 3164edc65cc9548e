package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("occurrence not found")
	ErrClosed       = errors.New("store closed")
	ErrInvalidState = errors.New("invalid delivery state")
)

type State string

const (
	StatePending   State = "pending"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool { return s == StateDelivered || s == StateFailed }

func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StatePending, StateDelivered, StateFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
}

// Occurrence is one concrete reminder firing for an owner.
type Occurrence struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Weekday      int       `json:"weekday"`
	WeekIndex    int       `json:"week_index"`
	ScheduledFor time.Time `json:"scheduled_for"`
	PushAddress  string    `json:"push_address"`
	Title        string    `json:"title,omitempty"`
	Message      string    `json:"message,omitempty"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	DeliveredAt  time.Time `json:"delivered_at,omitzero"`
	MessageRef   string    `json:"message_ref,omitempty"`
	ErrorDetail  string    `json:"error_detail,omitempty"`
	Attempts     int       `json:"attempts,omitempty"`
}

// sameSlot reports whether o and n describe the same firing.
func (o Occurrence) sameSlot(n Occurrence) bool {
	return o.ID == n.ID && o.ScheduledFor.Equal(n.ScheduledFor)
}

// Stats is a point-in-time count of stored occurrences.
type Stats struct {
	Pending   int64 `json:"pending"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Owners    int64 `json:"owners"`
}

func (s Stats) Total() int64 { return s.Pending + s.Delivered + s.Failed }

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Now overrides the clock used for created/delivered timestamps.
	Now func() time.Time
}

func (c Config) clock() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}
