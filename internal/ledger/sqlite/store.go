// Package sqlite provides a SQLite-backed ledger.Store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/lox/sus/internal/codec"
	"github.com/lox/sus/internal/ledger"
	"github.com/lox/sus/internal/session"
)

//go:embed schema.sql
var schema string

// ErrCodeInUse is returned when a live session already holds a share code.
var ErrCodeInUse = errors.New("share code already in use")

// Store persists sessions, their rosters and their event logs.
type Store struct {
	sqlDB *sql.DB
}

var _ ledger.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

// Open opens a SQLite store and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Save implements ledger.Store. The session row, its roster and the new
// events are written in one transaction.
func (s *Store) Save(ctx context.Context, sess *session.Session, events []session.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record, err := codec.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, code, state, creator, stake, pot, version, created_at, ended_at, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   state = excluded.state,
		   creator = excluded.creator,
		   pot = excluded.pot,
		   version = excluded.version,
		   ended_at = excluded.ended_at,
		   record = excluded.record`,
		sess.ID, sess.Code, sess.State.String(), string(sess.Creator), int64(sess.Stake), int64(sess.Pot),
		int64(sess.Version), toMillis(sess.CreatedAt), toMillis(sess.EndedAt), record,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("save session %s: %w", sess.ID, ErrCodeInUse)
		}
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	for i, p := range sess.Participants {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO participants (session_id, identity, position, joined_at, eliminated) VALUES (?, ?, ?, ?, ?)`,
			sess.ID, string(p.Identity), i, toMillis(p.JoinedAt), p.Eliminated,
		)
		if err != nil {
			return fmt.Errorf("save participant %s: %w", p.Identity, err)
		}
	}

	for _, env := range events {
		payload, err := codec.Marshal(env.Event)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", env.Seq, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (session_id, seq, type, at, payload) VALUES (?, ?, ?, ?, ?)`,
			env.SessionID, int64(env.Seq), string(env.Type), env.At.UTC().UnixNano(), payload,
		)
		if err != nil {
			return fmt.Errorf("append event %d: %w", env.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load implements ledger.Store.
func (s *Store) Load(ctx context.Context, id string) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var record []byte
	err := s.sqlDB.QueryRowContext(ctx, `SELECT record FROM sessions WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound.With("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return decodeSession(record)
}

// LoadActive implements ledger.Store.
func (s *Store) LoadActive(ctx context.Context) ([]*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT record FROM sessions WHERE state NOT IN (?, ?) ORDER BY created_at, id`,
		session.Ended.String(), session.Cancelled.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess, err := decodeSession(record)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// Events implements ledger.Store.
func (s *Store) Events(ctx context.Context, id string, afterSeq uint64) ([]session.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT seq, type, at, payload FROM events WHERE session_id = ? AND seq > ? ORDER BY seq`,
		id, int64(afterSeq),
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []session.Envelope
	for rows.Next() {
		var (
			seq     int64
			typ     string
			at      int64
			payload []byte
		)
		if err := rows.Scan(&seq, &typ, &at, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := decodeEvent(session.EventType(typ), payload)
		if err != nil {
			return nil, fmt.Errorf("event %d of %s: %w", seq, id, err)
		}
		out = append(out, session.Envelope{
			Seq:       uint64(seq),
			SessionID: id,
			Type:      session.EventType(typ),
			At:        time.Unix(0, at).UTC(),
			Event:     ev,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// SessionsFor returns the ids of every stored session who has joined,
// oldest first, including evicted terminal sessions.
func (s *Store) SessionsFor(ctx context.Context, who session.Identity) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT s.id FROM sessions s
		 JOIN participants p ON p.session_id = s.id
		 WHERE p.identity = ?
		 ORDER BY s.created_at, s.id`,
		string(who),
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions for %s: %w", who, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func decodeSession(record []byte) (*session.Session, error) {
	var sess session.Session
	if err := codec.Unmarshal(record, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// decodeEvent returns the payload as the value type the ledger emits.
func decodeEvent(t session.EventType, payload []byte) (session.Event, error) {
	ptr, err := session.NewEvent(t)
	if err != nil {
		return nil, err
	}
	if err := codec.Unmarshal(payload, ptr); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return reflect.ValueOf(ptr).Elem().Interface().(session.Event), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
