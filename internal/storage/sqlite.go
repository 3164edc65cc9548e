package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "remindd/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, now: cfg.clock()}
	if _, err := db.Exec(migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const occurrenceColumns = `id, owner_id, weekday, week_index, scheduled_for, push_address, title, message,
	state, created_at, delivered_at, message_ref, error_detail, attempts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOccurrence(r rowScanner) (Occurrence, error) {
	var (
		o                                 Occurrence
		state                             string
		scheduled, created                int64
		delivered                         sql.NullInt64
		title, message, msgRef, errDetail sql.NullString
	)
	err := r.Scan(&o.ID, &o.OwnerID, &o.Weekday, &o.WeekIndex, &scheduled, &o.PushAddress, &title, &message,
		&state, &created, &delivered, &msgRef, &errDetail, &o.Attempts)
	if err != nil {
		return o, err
	}
	o.State = State(state)
	o.ScheduledFor = time.UnixMilli(scheduled).UTC()
	o.CreatedAt = time.UnixMilli(created).UTC()
	if delivered.Valid {
		o.DeliveredAt = time.UnixMilli(delivered.Int64).UTC()
	}
	o.Title = title.String
	o.Message = message.String
	o.MessageRef = msgRef.String
	o.ErrorDetail = errDetail.String
	return o, nil
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReplaceAll(ctx context.Context, ownerID string, occs []Occurrence) error {
	now := s.now().UTC()
	next, err := prepare(ownerID, occs, now)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	type existing struct {
		at    int64
		state State
	}
	cur := map[string]existing{}
	rows, err := tx.QueryContext(ctx, `SELECT id, scheduled_for, state FROM occurrences WHERE owner_id = ?`, ownerID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			id    string
			at    int64
			state string
		)
		if err := rows.Scan(&id, &at, &state); err != nil {
			rows.Close()
			return err
		}
		cur[id] = existing{at: at, state: State(state)}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(next))
	for _, o := range next {
		keep[o.ID] = struct{}{}
	}
	for id := range cur {
		if _, ok := keep[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM occurrences WHERE id = ?`, id); err != nil {
			return err
		}
	}

	for _, o := range next {
		at := o.ScheduledFor.UnixMilli()
		prev, found := cur[o.ID]
		switch {
		case found && prev.at == at && prev.state.Terminal():
			continue
		case found && prev.at == at:
			// same pending slot: refresh snapshots, keep attempts and created_at
			_, err = tx.ExecContext(ctx,
				`UPDATE occurrences SET push_address = ?, title = ?, message = ? WHERE id = ?`,
				o.PushAddress, nullStr(o.Title), nullStr(o.Message), o.ID)
		default:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO occurrences(id, owner_id, weekday, week_index, scheduled_for, push_address, title, message, state, created_at, attempts)
				 VALUES(?,?,?,?,?,?,?,?,?,?,0)
				 ON CONFLICT(id) DO UPDATE SET
				   owner_id = excluded.owner_id, weekday = excluded.weekday, week_index = excluded.week_index,
				   scheduled_for = excluded.scheduled_for, push_address = excluded.push_address,
				   title = excluded.title, message = excluded.message, state = excluded.state,
				   created_at = excluded.created_at, delivered_at = NULL, message_ref = NULL,
				   error_detail = NULL, attempts = 0`,
				o.ID, o.OwnerID, o.Weekday, o.WeekIndex, at, o.PushAddress, nullStr(o.Title), nullStr(o.Message),
				string(StatePending), now.UnixMilli())
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) FindDueUndelivered(ctx context.Context, start, end time.Time, limit int) ([]Occurrence, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.query(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences
		 WHERE state = ? AND scheduled_for >= ? AND scheduled_for <= ?
		 ORDER BY scheduled_for, id LIMIT ?`,
		string(StatePending), start.UnixMilli(), end.UnixMilli(), limit)
}

// transition runs a pending-only update and maps "no rows" to either a
// no-op (record exists in another state) or ErrNotFound.
func (s *sqliteStore) transition(ctx context.Context, id, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if changed, err := rowsChanged(res); err != nil || changed {
		return err
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM occurrences WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// rowsChanged reports whether res touched any row. An unconfirmed update is
// an error, never a silent success.
func rowsChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, id, messageRef string) error {
	return s.transition(ctx, id,
		`UPDATE occurrences SET state = ?, delivered_at = ?, message_ref = ?, attempts = attempts + 1, error_detail = NULL
		 WHERE id = ? AND state = ?`,
		string(StateDelivered), s.now().UnixMilli(), nullStr(messageRef), id, string(StatePending))
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id, errorDetail string) error {
	return s.transition(ctx, id,
		`UPDATE occurrences SET state = ?, error_detail = ?, attempts = attempts + 1
		 WHERE id = ? AND state = ?`,
		string(StateFailed), nullStr(errorDetail), id, string(StatePending))
}

func (s *sqliteStore) NoteAttempt(ctx context.Context, id, errorDetail string) error {
	return s.transition(ctx, id,
		`UPDATE occurrences SET attempts = attempts + 1, error_detail = ? WHERE id = ? AND state = ?`,
		nullStr(errorDetail), id, string(StatePending))
}

func (s *sqliteStore) PurgeOlderThan(ctx context.Context, cutoff time.Time, state State) (int64, error) {
	if err := checkPurgeState(state); err != nil {
		return 0, err
	}
	col := "created_at"
	if state == StateDelivered {
		col = "delivered_at"
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM occurrences WHERE state = ? AND `+col+` < ?`,
		string(state), cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PurgeOwner(ctx context.Context, ownerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM occurrences WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) ListOwner(ctx context.Context, ownerID string) ([]Occurrence, error) {
	return s.query(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE owner_id = ? ORDER BY scheduled_for, id`,
		ownerID)
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM occurrences GROUP BY state`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return st, err
		}
		switch State(state) {
		case StatePending:
			st.Pending = n
		case StateDelivered:
			st.Delivered = n
		case StateFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT owner_id) FROM occurrences`).Scan(&st.Owners)
	return st, err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
