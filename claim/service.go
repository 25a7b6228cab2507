// Package claim links guest submissions to authenticated identities after the
// fact. Claims are idempotent and never succeed against a mismatched identity.
package claim

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"loandesk/request"
)

// ErrDenied is the umbrella sentinel for refused claims; the concrete
// *DeniedError carries the reason code.
var ErrDenied = errors.New("claim: denied")

// DeniedReason codes why a claim was refused.
type DeniedReason string

const (
	ReasonAlreadyLinked DeniedReason = "already_linked"
	ReasonEmailMismatch DeniedReason = "email_mismatch"
)

// DeniedError reports a refused claim. No mutation accompanies it.
type DeniedError struct {
	Reason DeniedReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("claim: denied (%s)", e.Reason)
}

func (e *DeniedError) Unwrap() error { return ErrDenied }

// Actor is the authenticated identity attempting the claim. Email must be the
// verified address from the identity provider, not user input.
type Actor struct {
	ID    string
	Email string
}

// Result reports a successful claim.
type Result struct {
	RequestID      string
	AlreadyClaimed bool
}

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store defines the data access required by the service.
type Store interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (request.Record, error)
	SetIdentity(ctx context.Context, tx pgx.Tx, requestID, userID string) error
	AppendAudit(ctx context.Context, tx pgx.Tx, entry request.AuditEntry) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	db   DB
	repo Store
}

func NewService(db DB, repo Store) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{db: db, repo: repo}
}

// Claim links the record to the actor when the preconditions hold, in order:
// the record carries no identity reference, and the actor's verified email
// matches the stored guest contact case-insensitively. A repeat claim by the
// rightful actor is a success no-op with one informational audit entry.
func (s *Service) Claim(ctx context.Context, requestID string, actor Actor) (Result, error) {
	if requestID == "" {
		return Result{}, fmt.Errorf("claim: missing request id")
	}
	if actor.ID == "" || actor.Email == "" {
		return Result{}, fmt.Errorf("claim: missing actor identity")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Result{}, err
	}

	if rec.UserID != nil {
		if *rec.UserID != actor.ID {
			return Result{}, &DeniedError{Reason: ReasonAlreadyLinked}
		}
		// Rightful repeat: keep the end state, log one informational entry.
		if err := s.repo.AppendAudit(ctx, tx, request.AuditEntry{
			RequestID:   requestID,
			PriorStatus: rec.Status,
			NextStatus:  rec.Status,
			Actor:       actor.Email,
			Channel:     request.ChannelPortal,
			Remarks:     "claim replay",
			Payload:     map[string]any{"user_id": actor.ID},
		}); err != nil {
			return Result{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Result{}, fmt.Errorf("claim: commit replay: %w", err)
		}
		return Result{RequestID: requestID, AlreadyClaimed: true}, nil
	}

	guestEmail := rec.GuestEmailValue()
	if !strings.EqualFold(strings.TrimSpace(guestEmail), strings.TrimSpace(actor.Email)) {
		return Result{}, &DeniedError{Reason: ReasonEmailMismatch}
	}

	if err := s.repo.SetIdentity(ctx, tx, requestID, actor.ID); err != nil {
		return Result{}, err
	}

	payload := map[string]any{
		"user_id":     actor.ID,
		"guest_email": guestEmail,
	}
	if rec.GuestName != nil {
		payload["guest_name"] = *rec.GuestName
	}
	if err := s.repo.AppendAudit(ctx, tx, request.AuditEntry{
		RequestID:   requestID,
		PriorStatus: rec.Status,
		NextStatus:  rec.Status,
		Actor:       actor.Email,
		Channel:     request.ChannelPortal,
		Remarks:     "claimed",
		Payload:     payload,
	}); err != nil {
		return Result{}, err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, request.TopicRequestClaimed, map[string]any{
		"request_id": requestID,
		"user_id":    actor.ID,
	}); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("claim: commit: %w", err)
	}

	return Result{RequestID: requestID}, nil
}

// ClaimAll offers per-record claims for every guest record on the actor's
// email. Each record goes through the full Claim preconditions independently;
// a denial on one never blocks the rest.
func (s *Service) ClaimAll(ctx context.Context, actor Actor) ([]Result, error) {
	ids, err := s.ListClaimable(ctx, actor.Email)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		res, err := s.Claim(ctx, id, actor)
		if err != nil {
			if errors.Is(err, ErrDenied) {
				continue
			}
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// ListClaimable returns ids of guest records whose stored contact email matches.
// It only surfaces the offer; callers decide which records to claim.
func (s *Service) ListClaimable(ctx context.Context, email string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
SELECT id
FROM requests
WHERE user_id IS NULL AND lower(guest_email) = lower($1)
ORDER BY created_at
`, strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("claim: list claimable: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("claim: scan claimable: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: iterate claimable: %w", err)
	}
	return ids, nil
}
