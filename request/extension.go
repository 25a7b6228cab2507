package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrExtensionPending signals the record already carries an undecided extension.
	ErrExtensionPending = errors.New("request: extension already pending")
	// ErrExtensionInvalidState signals the record cannot take an extension.
	ErrExtensionInvalidState = errors.New("request: extension not allowed in current state")
)

// TokenSource mints single-use decision tokens. Implemented by approval.Generator.
type TokenSource interface {
	NewToken() (string, error)
}

// ExtensionService attaches pending-extension markers to active loans. The
// primary status is untouched; the extension is decided independently through
// the same dual-channel approval machinery.
type ExtensionService struct {
	pool     *pgxpool.Pool
	repo     *Repository
	tokens   TokenSource
	tokenTTL time.Duration
	now      func() time.Time
}

func NewExtensionService(pool *pgxpool.Pool, tokens TokenSource, tokenTTL time.Duration) *ExtensionService {
	return &ExtensionService{
		pool:     pool,
		repo:     NewRepository(),
		tokens:   tokens,
		tokenTTL: tokenTTL,
		now:      time.Now,
	}
}

func (s *ExtensionService) WithClock(now func() time.Time) *ExtensionService {
	s.now = now
	return s
}

// ExtensionParams carries one extension request.
type ExtensionParams struct {
	RequestID     string
	NewDue        time.Time
	Justification string
	Actor         Actor
}

// Request records a pending extension and issues its decision token. At most
// one pending extension may exist per record; the partial unique index is the
// backstop for concurrent submissions.
func (s *ExtensionService) Request(ctx context.Context, params ExtensionParams) (Extension, error) {
	if params.RequestID == "" {
		return Extension{}, fmt.Errorf("request: extension missing request id")
	}
	if params.NewDue.IsZero() {
		return Extension{}, fmt.Errorf("request: extension missing new due date")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Extension{}, fmt.Errorf("request: begin extension tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, _, err := s.repo.GetStatusForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return Extension{}, err
	}
	if IsTerminal(current) {
		return Extension{}, ErrExtensionInvalidState
	}
	if params.NewDue.Before(s.now()) {
		return Extension{}, fmt.Errorf("request: extension due date in the past")
	}

	token, err := s.tokens.NewToken()
	if err != nil {
		return Extension{}, fmt.Errorf("request: mint extension token: %w", err)
	}
	expires := s.now().UTC().Add(s.tokenTTL)

	var ext Extension
	var status string
	err = tx.QueryRow(ctx, `
INSERT INTO extension_requests (request_id, requested_due, justification, status, approval_token, approval_token_expires_at)
VALUES ($1, $2, $3, 'pending', $4, $5)
RETURNING id, request_id, requested_due, justification, status, approval_token, approval_token_expires_at, decided_at, created_at
`, params.RequestID, params.NewDue.UTC(), params.Justification, token, expires).Scan(
		&ext.ID, &ext.RequestID, &ext.RequestedDue, &ext.Justification,
		&status, &ext.ApprovalToken, &ext.TokenExpiresAt, &ext.DecidedAt, &ext.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Extension{}, ErrExtensionPending
		}
		return Extension{}, fmt.Errorf("request: insert extension: %w", err)
	}
	ext.Status = ExtensionStatus(status)

	if err := s.repo.AppendAudit(ctx, tx, AuditEntry{
		RequestID:   params.RequestID,
		PriorStatus: current,
		NextStatus:  current,
		Actor:       params.Actor.Email,
		Channel:     ChannelPortal,
		Remarks:     "extension requested",
		Payload: map[string]any{
			"extension_id":  ext.ID,
			"requested_due": ext.RequestedDue.UTC(),
			"justification": params.Justification,
		},
	}); err != nil {
		return Extension{}, err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, TopicExtensionRequested, map[string]any{
		"request_id":    params.RequestID,
		"extension_id":  ext.ID,
		"requested_due": ext.RequestedDue.UTC(),
	}); err != nil {
		return Extension{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Extension{}, fmt.Errorf("request: commit extension: %w", err)
	}

	return ext, nil
}

// PendingExtension returns the undecided extension for a request, if any.
func (s *ExtensionService) PendingExtension(ctx context.Context, requestID string) (Extension, error) {
	var ext Extension
	var status string
	err := s.pool.QueryRow(ctx, `
SELECT id, request_id, requested_due, justification, status, approval_token, approval_token_expires_at, decided_at, created_at
FROM extension_requests
WHERE request_id = $1 AND status = 'pending'
`, requestID).Scan(
		&ext.ID, &ext.RequestID, &ext.RequestedDue, &ext.Justification,
		&status, &ext.ApprovalToken, &ext.TokenExpiresAt, &ext.DecidedAt, &ext.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Extension{}, ErrNotFound
		}
		return Extension{}, fmt.Errorf("request: pending extension: %w", err)
	}
	ext.Status = ExtensionStatus(status)
	return ext, nil
}
