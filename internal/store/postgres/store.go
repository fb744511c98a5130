// Package postgres provides the PostgreSQL-backed [store.Store].
//
// Tables are created by embedded goose migrations ([Migrate]). Terminal call
// transitions are conditional UPDATEs (status = ANY(allowed)) so a late writer
// can never move a call out of a terminal state, and clone reuse counting is a
// single atomic UPDATE rather than a read-modify-write.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/clonecall/internal/store"
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a [store.Store] backed by PostgreSQL. All operations are safe for
// concurrent use.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// Options configures [Open].
type Options struct {
	// Migrate applies embedded migrations after connecting.
	Migrate bool

	// MaxConns overrides the pool size when positive.
	MaxConns int32
}

// Open connects to the database at dsn, verifies connectivity and optionally
// runs [Migrate].
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if opts.Migrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &Store{db: pool, pool: pool}, nil
}

// New wraps an existing connection or pool. The caller owns db and is
// responsible for the schema.
func New(db DB) *Store {
	return &Store{db: db}
}

// Ping implements [store.Store.Ping].
func (s *Store) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	var one int
	return s.db.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

// Close implements [store.Store.Close].
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ─── Calls ───────────────────────────────────────────────────────────────────

const callColumns = `call_id, caller_id, protocol, status, started_at, ended_at,
	cloned_voice_id, session_id, session_url, session_voice_id, fallback,
	fallback_error, failure_kind, failure_cause`

// CreateCall implements [store.CallStore.CreateCall].
func (s *Store) CreateCall(ctx context.Context, rec store.CallRecord) error {
	const query = `
		INSERT INTO call_records (call_id, caller_id, protocol, status, started_at,
			failure_kind, failure_cause)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (call_id) DO NOTHING`

	tag, err := s.db.Exec(ctx, query,
		rec.CallID, rec.CallerID, string(rec.Protocol), string(rec.Status), rec.StartedAt,
		string(rec.FailureKind), rec.FailureCause,
	)
	if err != nil {
		return fmt.Errorf("postgres store: create call %q: %w", rec.CallID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrCallExists
	}
	return nil
}

// GetCall implements [store.CallStore.GetCall].
func (s *Store) GetCall(ctx context.Context, callID string) (store.CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM call_records WHERE call_id = $1`

	rec, err := scanCall(s.db.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CallRecord{}, store.ErrNotFound
		}
		return store.CallRecord{}, fmt.Errorf("postgres store: get call %q: %w", callID, err)
	}
	return rec, nil
}

// Transition implements [store.CallStore.Transition].
func (s *Store) Transition(ctx context.Context, callID string, to store.Status, upd store.Update) (bool, error) {
	const query = `
		UPDATE call_records SET
			status           = $2,
			ended_at         = COALESCE($3, ended_at),
			cloned_voice_id  = COALESCE(NULLIF($4, ''), cloned_voice_id),
			session_id       = CASE WHEN $5 = '' THEN session_id ELSE $5 END,
			session_url      = CASE WHEN $5 = '' THEN session_url ELSE $6 END,
			session_voice_id = CASE WHEN $5 = '' THEN session_voice_id ELSE $7 END,
			failure_kind     = CASE WHEN $8 = '' THEN failure_kind ELSE $8 END,
			failure_cause    = CASE WHEN $9 = '' THEN failure_cause ELSE $9 END
		WHERE call_id = $1 AND status = ANY($10)`

	var endedAt *time.Time
	if !upd.EndedAt.IsZero() {
		endedAt = &upd.EndedAt
	}

	tag, err := s.db.Exec(ctx, query,
		callID, string(to), endedAt, upd.ClonedVoiceID,
		upd.Session.ID, upd.Session.MediaURL, upd.Session.VoiceID,
		string(upd.FailureKind), upd.FailureCause,
		statusStrings(to.AllowedFrom()),
	)
	if err != nil {
		return false, fmt.Errorf("postgres store: transition %q to %s: %w", callID, to, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Nothing matched: distinguish an unknown call from a lost race.
	if _, err := s.GetCall(ctx, callID); err != nil {
		return false, err
	}
	return false, nil
}

// SetFallbackSession implements [store.CallStore.SetFallbackSession].
func (s *Store) SetFallbackSession(ctx context.Context, callID string, sess store.Session) (bool, error) {
	const query = `
		UPDATE call_records SET
			session_id = $2, session_url = $3, session_voice_id = $4, fallback = TRUE
		WHERE call_id = $1
		  AND status IN ('failed', 'timed_out')
		  AND session_id = ''
		  AND fallback_error = ''`

	tag, err := s.db.Exec(ctx, query, callID, sess.ID, sess.MediaURL, sess.VoiceID)
	if err != nil {
		return false, fmt.Errorf("postgres store: set fallback session %q: %w", callID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetFallbackError implements [store.CallStore.SetFallbackError].
func (s *Store) SetFallbackError(ctx context.Context, callID, cause string) error {
	const query = `UPDATE call_records SET fallback_error = $2 WHERE call_id = $1`
	tag, err := s.db.Exec(ctx, query, callID, cause)
	if err != nil {
		return fmt.Errorf("postgres store: set fallback error %q: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListOverdueCalls implements [store.CallStore.ListOverdueCalls].
func (s *Store) ListOverdueCalls(ctx context.Context, startedBefore time.Time, limit int) ([]store.CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + callColumns + `
		FROM call_records
		WHERE status IN ('pending', 'cloning') AND started_at < $1
		ORDER BY started_at
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list overdue calls: %w", err)
	}
	defer rows.Close()

	var out []store.CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres store: list overdue calls scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: list overdue calls: %w", err)
	}
	return out, nil
}

// scanCall reads one call_records row selected with callColumns.
func scanCall(row pgx.Row) (store.CallRecord, error) {
	var (
		rec                    store.CallRecord
		protocol, status, kind string
		endedAt                *time.Time
		voiceID                *string
	)
	err := row.Scan(
		&rec.CallID, &rec.CallerID, &protocol, &status, &rec.StartedAt, &endedAt,
		&voiceID, &rec.Session.ID, &rec.Session.MediaURL, &rec.Session.VoiceID, &rec.Fallback,
		&rec.FallbackError, &kind, &rec.FailureCause,
	)
	if err != nil {
		return store.CallRecord{}, err
	}
	rec.Protocol = store.Protocol(protocol)
	rec.Status = store.Status(status)
	rec.FailureKind = store.FailureKind(kind)
	rec.EndedAt = endedAt
	if voiceID != nil {
		rec.ClonedVoiceID = *voiceID
	}
	return rec, nil
}

// ─── Clones ──────────────────────────────────────────────────────────────────

const cloneColumns = `caller_id, cloned_voice_id, created_at, ttl_expires_at, reuse_count, last_used_at`

// GetClone implements [store.CloneStore.GetClone].
func (s *Store) GetClone(ctx context.Context, callerID string) (store.CloneRecord, error) {
	query := `SELECT ` + cloneColumns + ` FROM clone_records WHERE caller_id = $1`
	rec, err := scanClone(s.db.QueryRow(ctx, query, callerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CloneRecord{}, store.ErrNotFound
		}
		return store.CloneRecord{}, fmt.Errorf("postgres store: get clone %q: %w", callerID, err)
	}
	return rec, nil
}

// UpsertClone implements [store.CloneStore.UpsertClone].
func (s *Store) UpsertClone(ctx context.Context, rec store.CloneRecord) error {
	const query = `
		INSERT INTO clone_records (caller_id, cloned_voice_id, created_at, ttl_expires_at, reuse_count, last_used_at)
		VALUES ($1, $2, $3, $4, 0, $3)
		ON CONFLICT (caller_id) DO UPDATE SET
			reuse_count = CASE WHEN clone_records.cloned_voice_id = EXCLUDED.cloned_voice_id
			                   THEN clone_records.reuse_count ELSE 0 END,
			created_at = CASE WHEN clone_records.cloned_voice_id = EXCLUDED.cloned_voice_id
			                  THEN clone_records.created_at ELSE EXCLUDED.created_at END,
			cloned_voice_id = EXCLUDED.cloned_voice_id,
			ttl_expires_at = EXCLUDED.ttl_expires_at,
			last_used_at = EXCLUDED.last_used_at`

	_, err := s.db.Exec(ctx, query, rec.CallerID, rec.ClonedVoiceID, rec.CreatedAt, rec.TTLExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres store: upsert clone %q: %w", rec.CallerID, err)
	}
	return nil
}

// TouchClone implements [store.CloneStore.TouchClone].
func (s *Store) TouchClone(ctx context.Context, callerID string, now time.Time) (store.CloneRecord, error) {
	query := `
		UPDATE clone_records SET reuse_count = reuse_count + 1, last_used_at = $2
		WHERE caller_id = $1 AND ttl_expires_at > $2
		RETURNING ` + cloneColumns

	rec, err := scanClone(s.db.QueryRow(ctx, query, callerID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CloneRecord{}, store.ErrNotFound
		}
		return store.CloneRecord{}, fmt.Errorf("postgres store: touch clone %q: %w", callerID, err)
	}
	return rec, nil
}

// PurgeClones implements [store.CloneStore.PurgeClones].
func (s *Store) PurgeClones(ctx context.Context, expiredBefore time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM clone_records WHERE ttl_expires_at < $1`, expiredBefore)
	if err != nil {
		return 0, fmt.Errorf("postgres store: purge clones: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanClone(row pgx.Row) (store.CloneRecord, error) {
	var rec store.CloneRecord
	err := row.Scan(&rec.CallerID, &rec.ClonedVoiceID, &rec.CreatedAt, &rec.TTLExpiresAt, &rec.ReuseCount, &rec.LastUsedAt)
	return rec, err
}

// ─── Events ──────────────────────────────────────────────────────────────────

// AppendEvent implements [store.EventLog.AppendEvent].
func (s *Store) AppendEvent(ctx context.Context, ev store.CloneEvent) error {
	if ev.ID == "" {
		ev.ID = store.NewEventID(ev.CreatedAt)
	}
	const query = `
		INSERT INTO clone_events (id, call_id, caller_id, kind, voice_id, cause, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.Exec(ctx, query, ev.ID, ev.CallID, ev.CallerID, string(ev.Kind), ev.VoiceID, ev.Cause, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: append %s event for %q: %w", ev.Kind, ev.CallID, err)
	}
	return nil
}

// ListEvents implements [store.EventLog.ListEvents].
func (s *Store) ListEvents(ctx context.Context, callID string) ([]store.CloneEvent, error) {
	const query = `
		SELECT id, call_id, caller_id, kind, voice_id, cause, created_at
		FROM clone_events WHERE call_id = $1 ORDER BY created_at, id`

	rows, err := s.db.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list events %q: %w", callID, err)
	}
	defer rows.Close()

	var out []store.CloneEvent
	for rows.Next() {
		var (
			ev   store.CloneEvent
			kind string
		)
		if err := rows.Scan(&ev.ID, &ev.CallID, &ev.CallerID, &kind, &ev.VoiceID, &ev.Cause, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres store: list events scan: %w", err)
		}
		ev.Kind = store.EventKind(kind)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: list events %q: %w", callID, err)
	}
	return out, nil
}

// ─── Samples ─────────────────────────────────────────────────────────────────

// SampleKey implements [store.SampleIndex.SampleKey].
func (s *Store) SampleKey(ctx context.Context, callerID string) (string, error) {
	var key string
	err := s.db.QueryRow(ctx, `SELECT sample_key FROM caller_samples WHERE caller_id = $1`, callerID).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("postgres store: sample key %q: %w", callerID, err)
	}
	return key, nil
}

// PutSampleKey implements [store.SampleIndex.PutSampleKey].
func (s *Store) PutSampleKey(ctx context.Context, callerID, key string) error {
	const query = `
		INSERT INTO caller_samples (caller_id, sample_key) VALUES ($1, $2)
		ON CONFLICT (caller_id) DO UPDATE SET sample_key = EXCLUDED.sample_key, updated_at = now()`
	if _, err := s.db.Exec(ctx, query, callerID, key); err != nil {
		return fmt.Errorf("postgres store: put sample key %q: %w", callerID, err)
	}
	return nil
}

func statusStrings(ss []store.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
