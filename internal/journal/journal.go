// Package journal keeps an audit trail of retry decisions.
//
// The journal is write-mostly: every EndPackage decision of a session is
// appended as a Record and can be listed per session for post-mortems. It is
// never read back into a tracker.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"bundleretry/internal/shared"
	"bundleretry/pkg/retry"
)

//go:embed migrations
var migrations embed.FS

// Record is one journaled decision.
type Record struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Key       retry.Key      `json:"key"`
	Attempts  int            `json:"attempts"`
	ErrorCode int32          `json:"error_code"`
	Decision  retry.Decision `json:"decision"`
	DecidedAt time.Time      `json:"decided_at"`
}

// Store persists records.
type Store interface {
	// Record appends r. ID and, when zero, DecidedAt are assigned by the store.
	Record(ctx context.Context, r Record) error
	// List returns the records of a session in insertion order.
	List(ctx context.Context, sessionID string) ([]Record, error)
	// Prune deletes records decided before the given time.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Open returns the store for driver ("none", "sqlite" or "postgres") and
// applies its migrations.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "postgres":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, shared.Validationf("unknown journal driver %q", driver)
	}
}

// Nop discards records.
type Nop struct{}

func (Nop) Record(context.Context, Record) error            { return nil }
func (Nop) List(context.Context, string) ([]Record, error)  { return nil, nil }
func (Nop) Prune(context.Context, time.Time) (int64, error) { return 0, nil }
func (Nop) Close() error                                    { return nil }

func nullID(id retry.ID) sql.NullString {
	v, ok := id.Value()
	return sql.NullString{String: v, Valid: ok}
}

func fromNull(s sql.NullString) retry.ID {
	if !s.Valid {
		return retry.None
	}
	return retry.Some(s.String)
}

// decode fills the typed fields of r from their stored text form.
func decode(r *Record, kind, decision string, pkg, payload sql.NullString) error {
	k, err := retry.ParseKind(kind)
	if err != nil {
		return shared.MarkKind(fmt.Errorf("journal record %d: %w", r.ID, err), shared.KindInternal)
	}
	d, err := retry.ParseDecision(decision)
	if err != nil {
		return shared.MarkKind(fmt.Errorf("journal record %d: %w", r.ID, err), shared.KindInternal)
	}
	r.Key = retry.Key{Kind: k, Package: fromNull(pkg), Payload: fromNull(payload)}
	r.Decision = d
	return nil
}
