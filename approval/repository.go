package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"loandesk/request"
)

// DecisionState is the slice of a request row the decision path needs.
type DecisionState struct {
	RequestID       string
	Status          request.Status
	ApproverEmail   string
	Token           *string
	TokenExpiresAt  *time.Time
	TokenConsumedAt *time.Time
}

// ExtensionState mirrors an extension row plus its parent linkage.
type ExtensionState struct {
	ExtensionID    string
	RequestID      string
	Status         request.ExtensionStatus
	RequestedDue   time.Time
	Token          *string
	TokenExpiresAt *time.Time
}

// Repository owns the token and decision SQL. Methods run on the caller's
// transaction so token consumption commits atomically with the transition.
type Repository struct {
	requests *request.Repository
}

func NewRepository() *Repository {
	return &Repository{requests: request.NewRepository()}
}

// AppendAudit delegates to the lifecycle audit log.
func (r *Repository) AppendAudit(ctx context.Context, tx pgx.Tx, entry request.AuditEntry) error {
	return r.requests.AppendAudit(ctx, tx, entry)
}

// EnqueueOutbox delegates to the shared transactional outbox.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return r.requests.EnqueueOutbox(ctx, tx, topic, payload)
}

const decisionStateSQL = `
SELECT id, status::text, approver_email, approval_token, approval_token_expires_at, approval_token_consumed_at
FROM requests`

func scanDecisionState(row pgx.Row) (DecisionState, error) {
	var st DecisionState
	var status string
	if err := row.Scan(&st.RequestID, &status, &st.ApproverEmail, &st.Token, &st.TokenExpiresAt, &st.TokenConsumedAt); err != nil {
		return DecisionState{}, err
	}
	st.Status = request.Status(status)
	return st, nil
}

// GetByTokenForUpdate locks the request row addressed by an emailed token.
func (r *Repository) GetByTokenForUpdate(ctx context.Context, tx pgx.Tx, token string) (DecisionState, error) {
	st, err := scanDecisionState(tx.QueryRow(ctx, decisionStateSQL+` WHERE approval_token = $1 FOR UPDATE`, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DecisionState{}, ErrTokenNotFound
		}
		return DecisionState{}, fmt.Errorf("approval: lock by token: %w", err)
	}
	return st, nil
}

// GetForUpdate locks the request row for a portal decision.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (DecisionState, error) {
	st, err := scanDecisionState(tx.QueryRow(ctx, decisionStateSQL+` WHERE id = $1 FOR UPDATE`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DecisionState{}, request.ErrNotFound
		}
		return DecisionState{}, fmt.Errorf("approval: lock request: %w", err)
	}
	return st, nil
}

// FindByToken reads decision state without locking; used by the side-effect-free
// link rendering (GET) path.
func (r *Repository) FindByToken(ctx context.Context, q Querier, token string) (DecisionState, error) {
	st, err := scanDecisionState(q.QueryRow(ctx, decisionStateSQL+` WHERE approval_token = $1`, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DecisionState{}, ErrTokenNotFound
		}
		return DecisionState{}, fmt.Errorf("approval: find by token: %w", err)
	}
	return st, nil
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx alike.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StoreToken installs a fresh token, superseding any outstanding one.
func (r *Repository) StoreToken(ctx context.Context, tx pgx.Tx, requestID, token string, expiresAt time.Time) error {
	tag, err := tx.Exec(ctx, `
UPDATE requests
SET approval_token = $2,
    approval_token_expires_at = $3,
    approval_token_consumed_at = NULL,
    updated_at = now()
WHERE id = $1
`, requestID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("approval: store token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return request.ErrNotFound
	}
	return nil
}

// ConsumeToken invalidates the outstanding token in the same transaction as the
// decision so the losing channel deterministically observes consumption.
func (r *Repository) ConsumeToken(ctx context.Context, tx pgx.Tx, requestID string, at time.Time) error {
	if _, err := tx.Exec(ctx, `
UPDATE requests
SET approval_token_consumed_at = $2,
    updated_at = now()
WHERE id = $1 AND approval_token IS NOT NULL
`, requestID, at); err != nil {
		return fmt.Errorf("approval: consume token: %w", err)
	}
	return nil
}

// FindExtensionByToken resolves a pending-or-decided extension by its token.
func (r *Repository) FindExtensionByToken(ctx context.Context, q Querier, token string) (ExtensionState, error) {
	return scanExtensionState(q.QueryRow(ctx, extensionStateSQL+` WHERE approval_token = $1`, token))
}

// FindExtensionByID resolves an extension for a portal decision.
func (r *Repository) FindExtensionByID(ctx context.Context, q Querier, extensionID string) (ExtensionState, error) {
	return scanExtensionState(q.QueryRow(ctx, extensionStateSQL+` WHERE id = $1`, extensionID))
}

const extensionStateSQL = `
SELECT id, request_id, status, requested_due, approval_token, approval_token_expires_at
FROM extension_requests`

func scanExtensionState(row pgx.Row) (ExtensionState, error) {
	var st ExtensionState
	var status string
	if err := row.Scan(&st.ExtensionID, &st.RequestID, &status, &st.RequestedDue, &st.Token, &st.TokenExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ExtensionState{}, ErrTokenNotFound
		}
		return ExtensionState{}, fmt.Errorf("approval: find extension: %w", err)
	}
	st.Status = request.ExtensionStatus(status)
	return st, nil
}

// LockExtension re-reads the extension under FOR UPDATE. Callers lock the parent
// request row first to keep lock ordering uniform across decision paths.
func (r *Repository) LockExtension(ctx context.Context, tx pgx.Tx, extensionID string) (ExtensionState, error) {
	return scanExtensionState(tx.QueryRow(ctx, extensionStateSQL+` WHERE id = $1 FOR UPDATE`, extensionID))
}

// DecideExtension finalises the extension row; on approval the parent's
// resolution due moves and the warned marker resets so the SLA monitor
// re-evaluates against the new window.
func (r *Repository) DecideExtension(ctx context.Context, tx pgx.Tx, st ExtensionState, approve bool, at time.Time) error {
	status := "declined"
	if approve {
		status = "approved"
	}
	if _, err := tx.Exec(ctx, `
UPDATE extension_requests
SET status = $2,
    decided_at = $3
WHERE id = $1
`, st.ExtensionID, status, at); err != nil {
		return fmt.Errorf("approval: decide extension: %w", err)
	}

	if approve {
		if _, err := tx.Exec(ctx, `
UPDATE requests
SET resolution_due = $2,
    warned_at = NULL,
    updated_at = now()
WHERE id = $1
`, st.RequestID, st.RequestedDue); err != nil {
			return fmt.Errorf("approval: apply extension due: %w", err)
		}
	}
	return nil
}
