package claim

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"loandesk/request"
)

// Repository implements Store against the requests schema.
type Repository struct {
	requests *request.Repository
}

func NewRepository() *Repository {
	return &Repository{requests: request.NewRepository()}
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (request.Record, error) {
	return r.requests.GetForUpdate(ctx, tx, requestID)
}

// SetIdentity links the record to the user and clears the guest contact so the
// record carries exactly one of the two. The audit payload preserves the guest
// details for traceability.
func (r *Repository) SetIdentity(ctx context.Context, tx pgx.Tx, requestID, userID string) error {
	tag, err := tx.Exec(ctx, `
UPDATE requests
SET user_id = $2,
    guest_name = NULL,
    guest_email = NULL,
    updated_at = now()
WHERE id = $1 AND user_id IS NULL
`, requestID, userID)
	if err != nil {
		return fmt.Errorf("claim: set identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return request.ErrConflict
	}
	return nil
}

func (r *Repository) AppendAudit(ctx context.Context, tx pgx.Tx, entry request.AuditEntry) error {
	return r.requests.AppendAudit(ctx, tx, entry)
}

func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return r.requests.EnqueueOutbox(ctx, tx, topic, payload)
}
