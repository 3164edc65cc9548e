package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "remindd/pkg/logx"
)

// Store is the occurrence persistence API.
type Store interface {
	// ReplaceAll makes occs the owner's complete set in one transaction.
	// Records whose key is absent from occs are deleted. A terminal record
	// whose key and instant both match is kept as is, so an occurrence
	// already delivered is never reset to pending.
	ReplaceAll(ctx context.Context, ownerID string, occs []Occurrence) error

	// FindDueUndelivered returns pending occurrences scheduled within
	// [start, end], oldest first, at most limit.
	FindDueUndelivered(ctx context.Context, start, end time.Time, limit int) ([]Occurrence, error)

	// MarkDelivered and MarkFailed only transition pending records.
	// Repeating them on a terminal record is a no-op.
	MarkDelivered(ctx context.Context, id, messageRef string) error
	MarkFailed(ctx context.Context, id, errorDetail string) error

	// NoteAttempt records a transient failure on a pending record.
	NoteAttempt(ctx context.Context, id, errorDetail string) error

	// PurgeOlderThan deletes terminal records older than cutoff: delivered
	// by delivery time, failed by creation time.
	PurgeOlderThan(ctx context.Context, cutoff time.Time, state State) (int64, error)

	PurgeOwner(ctx context.Context, ownerID string) (int64, error)
	ListOwner(ctx context.Context, ownerID string) ([]Occurrence, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("storage: path is required")
	}
	var (
		st  Store
		err error
	)
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", cfg.Driver, err)
	}
	return st, nil
}

func checkPurgeState(state State) error {
	if !state.Terminal() {
		return fmt.Errorf("%w: purge by age needs a terminal state, got %q", ErrInvalidState, state)
	}
	return nil
}

// prepare normalizes occurrences for ownerID before ReplaceAll stores them.
func prepare(ownerID string, occs []Occurrence, now time.Time) ([]Occurrence, error) {
	out := make([]Occurrence, 0, len(occs))
	seen := make(map[string]struct{}, len(occs))
	for _, o := range occs {
		if o.ID == "" {
			return nil, fmt.Errorf("storage: occurrence without id for owner %q", ownerID)
		}
		if o.OwnerID != "" && o.OwnerID != ownerID {
			return nil, fmt.Errorf("storage: occurrence %q belongs to %q, not %q", o.ID, o.OwnerID, ownerID)
		}
		if _, dup := seen[o.ID]; dup {
			return nil, fmt.Errorf("storage: duplicate occurrence key %q", o.ID)
		}
		seen[o.ID] = struct{}{}
		o.OwnerID = ownerID
		o.ScheduledFor = o.ScheduledFor.UTC().Truncate(time.Millisecond)
		o.State = StatePending
		o.CreatedAt = now
		o.DeliveredAt = time.Time{}
		o.MessageRef = ""
		o.ErrorDetail = ""
		o.Attempts = 0
		out = append(out, o)
	}
	return out, nil
}
