package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for ledger lines.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const lineColumns = `id, group_key, source_order_id, label, auxiliary_code, account_code, movement, entry_date, amount, status, external_id, last_error, created_at, updated_at`

func scanLine(row pgx.Row) (Line, error) {
	var line Line
	err := row.Scan(&line.ID, &line.GroupKey, &line.SourceOrderID, &line.Label, &line.AuxiliaryCode, &line.AccountCode, &line.Movement, &line.EntryDate, &line.Amount, &line.Status, &line.ExternalID, &line.LastError, &line.CreatedAt, &line.UpdatedAt)
	return line, err
}

func collectLines(rows pgx.Rows) ([]Line, error) {
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// CreateGroup inserts a generated group in one transaction. A partial write
// never survives; a unique violation on (source_order_id, movement) surfaces
// as ErrDuplicateGeneration.
func (r *Repository) CreateGroup(ctx context.Context, lines []Line) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, line := range lines {
			_, err := tx.Exec(ctx, `
				INSERT INTO ledger_lines (id, group_key, source_order_id, label, auxiliary_code, account_code, movement, entry_date, amount, status, last_error, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '', NOW(), NOW())`,
				line.ID, line.GroupKey, line.SourceOrderID, line.Label, line.AuxiliaryCode, line.AccountCode, line.Movement, line.EntryDate, line.Amount, line.Status)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateGeneration
		}
		return err
	}
	return nil
}

// GetLine fetches one line by id.
func (r *Repository) GetLine(ctx context.Context, id uuid.UUID) (Line, error) {
	line, err := scanLine(r.pool.QueryRow(ctx, `SELECT `+lineColumns+` FROM ledger_lines WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Line{}, ErrNotFound
		}
		return Line{}, err
	}
	return line, nil
}

// ListByOrder returns every line generated from the order.
func (r *Repository) ListByOrder(ctx context.Context, orderID int64) ([]Line, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lineColumns+` FROM ledger_lines WHERE source_order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	return collectLines(rows)
}

// ListByGroup returns every line sharing the group key.
func (r *Repository) ListByGroup(ctx context.Context, groupKey string) ([]Line, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lineColumns+` FROM ledger_lines WHERE group_key = $1 ORDER BY created_at, id`, groupKey)
	if err != nil {
		return nil, err
	}
	return collectLines(rows)
}

// List returns lines matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter Filter) ([]Line, error) {
	query := `SELECT ` + lineColumns + ` FROM ledger_lines WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		query += ` AND status = ANY(` + arg(statuses) + `)`
	}
	if filter.SourceOrderID != nil {
		query += ` AND source_order_id = ` + arg(*filter.SourceOrderID)
	}
	if filter.Movement != "" {
		query += ` AND movement = ` + arg(string(filter.Movement))
	}
	if !filter.DateFrom.IsZero() {
		query += ` AND entry_date >= ` + arg(filter.DateFrom)
	}
	if !filter.DateTo.IsZero() {
		query += ` AND entry_date <= ` + arg(filter.DateTo)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectLines(rows)
}

// Transition atomically moves a line from one status to another, updating
// external id and cause in the same statement. Zero rows affected means the
// line is no longer in the expected status.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from, to Status, externalID *int64, cause string) error {
	if !from.CanTransitionTo(to) {
		return ErrStateTransition
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE ledger_lines
		SET status = $3, external_id = $4, last_error = $5, updated_at = $6
		WHERE id = $1 AND status = $2`,
		id, from, to, externalID, cause, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateTransition
	}
	return nil
}
