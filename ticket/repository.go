package ticket

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrTicketNotFound = errors.New("ticket: not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateParams enumerates the fields for a new ticket.
type CreateParams struct {
	SourceRequestID string
	Category        string
	DamageCategory  string
	OpenedBy        string
	Summary         string
}

const returningSQL = `
RETURNING id, source_request_id::text, category, damage_category, opened_by::text, summary, status::text, created_at, updated_at, resolved_at`

// CreateTx inserts a ticket inside the caller's transaction. The cross-module
// trigger engine uses this so the ticket and its event linkage commit together.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error) {
	if params.Category == "" {
		return Record{}, fmt.Errorf("ticket: category required")
	}

	var source, damage, openedBy any
	if params.SourceRequestID != "" {
		source = params.SourceRequestID
	}
	if params.DamageCategory != "" {
		damage = params.DamageCategory
	}
	if params.OpenedBy != "" {
		openedBy = params.OpenedBy
	}

	row := tx.QueryRow(ctx, `
INSERT INTO tickets (source_request_id, category, damage_category, opened_by, summary, status)
VALUES ($1, $2, $3, $4, $5, 'open')`+returningSQL,
		source, params.Category, damage, openedBy, params.Summary)
	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("ticket: insert: %w", err)
	}
	return rec, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Record, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, source_request_id::text, category, damage_category, opened_by::text, summary, status::text, created_at, updated_at, resolved_at
FROM tickets
WHERE id = $1
`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrTicketNotFound
		}
		return Record{}, fmt.Errorf("ticket: get: %w", err)
	}
	return rec, nil
}

// List returns tickets, optionally filtered to a source request.
func (r *Repository) List(ctx context.Context, sourceRequestID string) ([]Record, error) {
	query := `
SELECT id, source_request_id::text, category, damage_category, opened_by::text, summary, status::text, created_at, updated_at, resolved_at
FROM tickets`
	args := []any{}
	if sourceRequestID != "" {
		query += ` WHERE source_request_id = $1`
		args = append(args, sourceRequestID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ticket: iterate: %w", err)
	}
	return out, nil
}

// Resolve closes a ticket.
func (r *Repository) Resolve(ctx context.Context, id string) (Record, error) {
	row := r.pool.QueryRow(ctx, `
UPDATE tickets
SET status = 'resolved',
    resolved_at = COALESCE(resolved_at, now()),
    updated_at = now()
WHERE id = $1`+returningSQL, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrTicketNotFound
		}
		return Record{}, fmt.Errorf("ticket: resolve: %w", err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var status string
	if err := row.Scan(&rec.ID, &rec.SourceRequestID, &rec.Category, &rec.DamageCategory, &rec.OpenedBy, &rec.Summary, &status, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	return rec, nil
}
