package journal

import (
	"context"
	"database/sql"
	"time"

	"bundleretry/internal/platform/sqlite"
	"bundleretry/internal/shared"
)

// SQLiteStore is a Store backed by an embedded SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
// ":memory:" opens a private in-memory journal.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	var (
		db  *sql.DB
		err error
	)
	if path == ":memory:" {
		db, err = sqlite.NewInMemoryDB(ctx)
	} else {
		db, err = sqlite.NewDB(ctx, path)
	}
	if err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "open sqlite journal"), shared.KindDependencyFailure)
	}
	if err := sqlite.ApplyMigrations(db, migrations, "migrations/sqlite"); err != nil {
		_ = db.Close()
		return nil, shared.MarkKind(shared.Wrap(err, "migrate sqlite journal"), shared.KindDependencyFailure)
	}
	return NewSQLiteStore(db), nil
}

// NewSQLiteStore wraps an already migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Record implements Store.
func (s *SQLiteStore) Record(ctx context.Context, r Record) error {
	if r.DecidedAt.IsZero() {
		r.DecidedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retry_decisions
			(session_id, kind, package_id, payload_id, attempts, error_code, decision, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID,
		r.Key.Kind.String(),
		nullID(r.Key.Package),
		nullID(r.Key.Payload),
		r.Attempts,
		r.ErrorCode,
		r.Decision.String(),
		r.DecidedAt.UTC().UnixNano(),
	)
	if err != nil {
		return shared.MarkKind(shared.Wrap(err, "insert journal record"), shared.KindDependencyFailure)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, package_id, payload_id, attempts, error_code, decision, decided_at
		FROM retry_decisions
		WHERE session_id = ?
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "query journal"), shared.KindDependencyFailure)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			r                 Record
			kind, decision    string
			pkg, payload      sql.NullString
			decidedAtUnixNano int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &kind, &pkg, &payload, &r.Attempts, &r.ErrorCode, &decision, &decidedAtUnixNano); err != nil {
			return nil, shared.MarkKind(shared.Wrap(err, "scan journal record"), shared.KindInternal)
		}
		if err := decode(&r, kind, decision, pkg, payload); err != nil {
			return nil, err
		}
		r.DecidedAt = time.Unix(0, decidedAtUnixNano).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "iterate journal"), shared.KindDependencyFailure)
	}
	return out, nil
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM retry_decisions WHERE decided_at < ?`, before.UTC().UnixNano())
	if err != nil {
		return 0, shared.MarkKind(shared.Wrap(err, "prune journal"), shared.KindDependencyFailure)
	}
	return res.RowsAffected()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
