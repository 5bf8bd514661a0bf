package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visionpath/screening/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Postgres stores each collection in its own table with the shared record
// layout created by migrations/001_screening.sql.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return p.pool
}

const recordCols = `id, session_id, version, status, ref, due_at, data, created_at, updated_at`

func scanRecord(collection string, row pgx.Row) (Record, error) {
	rec := Record{Collection: collection}
	var data []byte
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.Version, &rec.Status, &rec.Ref,
		&rec.DueAt, &data, &rec.CreatedAt, &rec.UpdatedAt)
	rec.Data = data
	return rec, err
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (Record, error) {
	if !ValidCollection(collection) {
		return Record{}, fmt.Errorf("unknown collection %q", collection)
	}
	row := p.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM `+collection+` WHERE id = $1`, id)
	rec, err := scanRecord(collection, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return Record{}, classify(err)
	}
	return rec, nil
}

func (p *Postgres) Query(ctx context.Context, f Filter) ([]Record, error) {
	if !ValidCollection(f.Collection) {
		return nil, fmt.Errorf("unknown collection %q", f.Collection)
	}

	query := `SELECT ` + recordCols + ` FROM ` + f.Collection + ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", idx)
		args = append(args, f.SessionID)
		idx++
	}
	if f.Ref != "" {
		query += fmt.Sprintf(" AND ref = $%d", idx)
		args = append(args, f.Ref)
		idx++
	}
	if len(f.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", idx)
		args = append(args, f.Statuses)
		idx++
	}
	if f.DueBefore != nil {
		query += fmt.Sprintf(" AND due_at IS NOT NULL AND due_at <= $%d", idx)
		args = append(args, *f.DueBefore)
		idx++
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, f.Limit)
		idx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, f.Offset)
	}

	rows, err := p.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(f.Collection, rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (p *Postgres) Commit(ctx context.Context, writes ...Write) ([]Record, error) {
	if err := validateWrites(writes); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(writes))
	err := db.WithTx(ctx, p.pool, func(ctx context.Context) error {
		q := p.conn(ctx)
		for _, w := range writes {
			rec, err := p.apply(ctx, q, w)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleWrite) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, classify(err)
	}
	return out, nil
}

func (p *Postgres) apply(ctx context.Context, q queryable, w Write) (Record, error) {
	r := w.Record
	if w.ExpectedVersion == 0 {
		row := q.QueryRow(ctx, `
			INSERT INTO `+r.Collection+` (id, session_id, version, status, ref, due_at, data, created_at, updated_at)
			VALUES ($1, $2, 1, $3, $4, $5, $6, COALESCE($7, NOW()), COALESCE($8, NOW()))
			ON CONFLICT (id) DO NOTHING
			RETURNING `+recordCols,
			r.ID, r.SessionID, r.Status, r.Ref, r.DueAt, []byte(r.Data),
			nullTime(r.CreatedAt), nullTime(r.UpdatedAt))
		rec, err := scanRecord(r.Collection, row)
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("%s/%s already exists: %w", r.Collection, r.ID, ErrStaleWrite)
		}
		return rec, err
	}

	row := q.QueryRow(ctx, `
		UPDATE `+r.Collection+`
		SET version = version + 1, session_id = $3, status = $4, ref = $5, due_at = $6,
			data = $7, updated_at = COALESCE($8, NOW())
		WHERE id = $1 AND version = $2
		RETURNING `+recordCols,
		r.ID, w.ExpectedVersion, r.SessionID, r.Status, r.Ref, r.DueAt, []byte(r.Data),
		nullTime(r.UpdatedAt))
	rec, err := scanRecord(r.Collection, row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%s/%s expected version %d: %w",
			r.Collection, r.ID, w.ExpectedVersion, ErrStaleWrite)
	}
	return rec, err
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// classify maps driver errors onto the store taxonomy. Serialization
// failures, deadlocks and unique violations lost a race and are retryable
// as stale writes. Server-side errors that point at schema problems are
// treated as corruption; anything that never reached the server is an
// availability problem.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "42"), strings.HasPrefix(pgErr.Code, "22"):
			return fmt.Errorf("%w: %s", ErrCorrupt, pgErr.Message)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "23505":
			return fmt.Errorf("%w: %s", ErrStaleWrite, pgErr.Message)
		}
		return fmt.Errorf("postgres: %w", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func nullTime(t interface{ IsZero() bool }) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
