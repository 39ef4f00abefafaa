package journal

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bundleretry/internal/platform/pg"
	"bundleretry/internal/shared"
)

// PostgresStore is a Store backed by a shared PostgreSQL database, for
// fleets that collect journals of many machines in one place.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres migrates the database at dsn and opens a pool to it.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if _, err := pg.ApplyMigrations(dsn, migrations, "migrations/postgres"); err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "migrate postgres journal"), shared.KindDependencyFailure)
	}
	pool, err := pg.NewPool(ctx, dsn)
	if err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "open postgres journal"), shared.KindDependencyFailure)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Record implements Store.
func (s *PostgresStore) Record(ctx context.Context, r Record) error {
	if r.DecidedAt.IsZero() {
		r.DecidedAt = s.now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO retry_decisions
			(session_id, kind, package_id, payload_id, attempts, error_code, decision, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.SessionID,
		r.Key.Kind.String(),
		nullID(r.Key.Package),
		nullID(r.Key.Payload),
		r.Attempts,
		r.ErrorCode,
		r.Decision.String(),
		r.DecidedAt.UTC(),
	)
	if err != nil {
		return shared.MarkKind(shared.Wrap(err, "insert journal record"), shared.KindDependencyFailure)
	}
	return nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, kind, package_id, payload_id, attempts, error_code, decision, decided_at
		FROM retry_decisions
		WHERE session_id = $1
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "query journal"), shared.KindDependencyFailure)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r              Record
			kind, decision string
			pkg, payload   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &kind, &pkg, &payload, &r.Attempts, &r.ErrorCode, &decision, &r.DecidedAt); err != nil {
			return nil, shared.MarkKind(shared.Wrap(err, "scan journal record"), shared.KindInternal)
		}
		if err := decode(&r, kind, decision, pkg, payload); err != nil {
			return nil, err
		}
		r.DecidedAt = r.DecidedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "iterate journal"), shared.KindDependencyFailure)
	}
	return out, nil
}

// Prune implements Store.
func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM retry_decisions WHERE decided_at < $1`, before.UTC())
	if err != nil {
		return 0, shared.MarkKind(shared.Wrap(err, "prune journal"), shared.KindDependencyFailure)
	}
	return tag.RowsAffected(), nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
