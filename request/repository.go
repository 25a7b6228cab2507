package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Repository owns the SQL touched by the lifecycle engine. All mutating methods
// operate on the caller's transaction so multi-table writes stay atomic.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// GetStatusForUpdate locks the request row and returns its current status and
// assigned approver contact.
func (r *Repository) GetStatusForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (Status, string, error) {
	var (
		status   string
		approver string
	)
	err := tx.QueryRow(ctx, `
SELECT status::text, approver_email
FROM requests
WHERE id = $1
FOR UPDATE
`, requestID).Scan(&status, &approver)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("request: lock row: %w", err)
	}
	return Status(status), approver, nil
}

// GetForUpdate locks and returns the full record.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (Record, error) {
	return scanRecord(tx.QueryRow(ctx, selectRecordSQL+` WHERE id = $1 FOR UPDATE`, requestID))
}

// GetByID reads the record without locking.
func (r *Repository) GetByID(ctx context.Context, q querier, requestID string) (Record, error) {
	return scanRecord(q.QueryRow(ctx, selectRecordSQL+` WHERE id = $1`, requestID))
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx alike.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const selectRecordSQL = `
SELECT id, kind, category, summary,
       user_id::text, guest_name, guest_email,
       status::text, priority, approver_email,
       approval_token, approval_token_expires_at,
       damage_reported, damage_category, returned_by::text,
       first_response_due, resolution_due, warned_at, breached_at,
       created_at, updated_at
FROM requests`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var status string
	err := row.Scan(
		&rec.ID, &rec.Kind, &rec.Category, &rec.Summary,
		&rec.UserID, &rec.GuestName, &rec.GuestEmail,
		&status, &rec.Priority, &rec.ApproverEmail,
		&rec.ApprovalToken, &rec.TokenExpiresAt,
		&rec.DamageReported, &rec.DamageCategory, &rec.ReturnedBy,
		&rec.FirstResponseDue, &rec.ResolutionDue, &rec.WarnedAt, &rec.BreachedAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("request: scan record: %w", err)
	}
	rec.Status = Status(status)
	return rec, nil
}

// UpdateStatus writes the new status; the row must already be locked.
func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, requestID string, next Status) error {
	tag, err := tx.Exec(ctx, `
UPDATE requests
SET status = $1::request_status,
    updated_at = now()
WHERE id = $2
`, string(next), requestID)
	if err != nil {
		return fmt.Errorf("request: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDamage marks a damaged return on the locked row.
func (r *Repository) RecordDamage(ctx context.Context, tx pgx.Tx, requestID, category, returnedBy string) error {
	var by any
	if returnedBy != "" {
		by = returnedBy
	}
	if _, err := tx.Exec(ctx, `
UPDATE requests
SET damage_reported = TRUE,
    damage_category = NULLIF($2, ''),
    returned_by = $3,
    updated_at = now()
WHERE id = $1
`, requestID, category, by); err != nil {
		return fmt.Errorf("request: record damage: %w", err)
	}
	return nil
}

// AuditEntry is one append-only transition log row.
type AuditEntry struct {
	RequestID   string
	PriorStatus Status
	NextStatus  Status
	Actor       string
	Channel     Channel
	Remarks     string
	Payload     map[string]any
}

// AppendAudit inserts the next audit row. The per-request seq is derived under
// the request row lock, so it stays strictly monotonic.
func (r *Repository) AppendAudit(ctx context.Context, tx pgx.Tx, entry AuditEntry) error {
	body, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("request: marshal audit payload: %w", err)
	}

	var actor any
	if entry.Actor != "" {
		actor = entry.Actor
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO transition_audits (request_id, seq, prior_status, next_status, actor, channel, remarks, payload)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7::jsonb
FROM transition_audits
WHERE request_id = $1
`, entry.RequestID, string(entry.PriorStatus), string(entry.NextStatus), actor, string(entry.Channel), entry.Remarks, body); err != nil {
		return fmt.Errorf("request: append audit: %w", err)
	}
	return nil
}

// EnqueueOutbox records a pending notification in the same transaction as the
// state change that caused it.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("request: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("request: enqueue outbox: %w", err)
	}
	return nil
}

// ListAudits returns the transition log for a request in append order.
func (r *Repository) ListAudits(ctx context.Context, q pgxQuerier, requestID string) ([]Audit, error) {
	rows, err := q.Query(ctx, `
SELECT id, request_id, seq, prior_status::text, next_status::text, COALESCE(actor, ''), channel, COALESCE(remarks, ''), payload, created_at
FROM transition_audits
WHERE request_id = $1
ORDER BY seq
`, requestID)
	if err != nil {
		return nil, fmt.Errorf("request: list audits: %w", err)
	}
	defer rows.Close()

	out := make([]Audit, 0, 8)
	for rows.Next() {
		var a Audit
		var prior, next, channel string
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Seq, &prior, &next, &a.Actor, &channel, &a.Remarks, &a.Payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("request: scan audit: %w", err)
		}
		a.PriorStatus = Status(prior)
		a.NextStatus = Status(next)
		a.Channel = Channel(channel)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate audits: %w", err)
	}
	return out, nil
}

type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}
