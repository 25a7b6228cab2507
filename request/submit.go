package request

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SLAPolicy stamps due timestamps at submission. Implemented by sla.Policy.
type SLAPolicy interface {
	DueAt(now time.Time, kind, category string) (firstResponse, resolution time.Time)
}

// ApproverLookup resolves the assigned approver contact for a new request. It
// is injected rather than read from ambient state so the approval flow stays
// independently testable.
type ApproverLookup interface {
	ApproverFor(ctx context.Context, kind, category string) (email string, err error)
}

// SubmitService creates request records for guests and authenticated users.
type SubmitService struct {
	pool      *pgxpool.Pool
	repo      *Repository
	policy    SLAPolicy
	approvers ApproverLookup
	idGen     func() string
	now       func() time.Time
}

// SubmitParams is the submission payload. Identity and guest contact are
// mutually exclusive; exactly one side must be provided.
type SubmitParams struct {
	Kind       Kind
	Category   string
	Summary    string
	UserID     string
	GuestName  string
	GuestEmail string
}

func NewSubmitService(pool *pgxpool.Pool, policy SLAPolicy, approvers ApproverLookup) *SubmitService {
	return &SubmitService{
		pool:      pool,
		repo:      NewRepository(),
		policy:    policy,
		approvers: approvers,
		idGen:     func() string { return uuid.NewString() },
		now:       time.Now,
	}
}

func (s *SubmitService) WithIDGenerator(gen func() string) *SubmitService {
	s.idGen = gen
	return s
}

func (s *SubmitService) WithClock(now func() time.Time) *SubmitService {
	s.now = now
	return s
}

// Create validates the payload, stamps SLA due timestamps from policy, and
// writes the record, its first audit entry, and the creation notification in
// one transaction.
func (s *SubmitService) Create(ctx context.Context, params SubmitParams) (Record, error) {
	if params.Kind != KindLoan && params.Kind != KindTicket {
		return Record{}, fmt.Errorf("request: invalid kind %q", params.Kind)
	}
	if strings.TrimSpace(params.Category) == "" {
		return Record{}, fmt.Errorf("request: category required")
	}

	hasIdentity := params.UserID != ""
	hasGuest := strings.TrimSpace(params.GuestEmail) != ""
	if hasIdentity == hasGuest {
		return Record{}, fmt.Errorf("request: exactly one of identity or guest contact required")
	}
	if hasGuest && strings.TrimSpace(params.GuestName) == "" {
		return Record{}, fmt.Errorf("request: guest name required")
	}

	approver, err := s.approvers.ApproverFor(ctx, string(params.Kind), params.Category)
	if err != nil {
		return Record{}, fmt.Errorf("request: resolve approver: %w", err)
	}

	now := s.now().UTC()
	firstDue, resolutionDue := s.policy.DueAt(now, string(params.Kind), params.Category)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		userID     any
		guestName  any
		guestEmail any
	)
	if hasIdentity {
		userID = params.UserID
	} else {
		guestName = strings.TrimSpace(params.GuestName)
		guestEmail = strings.ToLower(strings.TrimSpace(params.GuestEmail))
	}

	rec := Record{}
	var status string
	err = tx.QueryRow(ctx, `
INSERT INTO requests (id, kind, category, summary, user_id, guest_name, guest_email, status, approver_email, first_response_due, resolution_due)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'submitted', $8, $9, $10)
RETURNING id, kind, category, summary, user_id::text, guest_name, guest_email, status::text, priority, approver_email, first_response_due, resolution_due, created_at, updated_at
`, s.idGen(), string(params.Kind), params.Category, params.Summary, userID, guestName, guestEmail, approver, firstDue, resolutionDue).Scan(
		&rec.ID, &rec.Kind, &rec.Category, &rec.Summary,
		&rec.UserID, &rec.GuestName, &rec.GuestEmail,
		&status, &rec.Priority, &rec.ApproverEmail,
		&rec.FirstResponseDue, &rec.ResolutionDue,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, fmt.Errorf("request: insert: %w", err)
	}
	rec.Status = Status(status)

	actor := ""
	if hasIdentity {
		actor = params.UserID
	} else {
		actor = rec.GuestEmailValue()
	}
	if err := s.repo.AppendAudit(ctx, tx, AuditEntry{
		RequestID:   rec.ID,
		PriorStatus: rec.Status,
		NextStatus:  rec.Status,
		Actor:       actor,
		Channel:     ChannelSystem,
		Remarks:     "submitted",
		Payload: map[string]any{
			"kind":     string(rec.Kind),
			"category": rec.Category,
			"guest":    hasGuest,
		},
	}); err != nil {
		return Record{}, err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, TopicRequestCreated, map[string]any{
		"request_id":     rec.ID,
		"kind":           string(rec.Kind),
		"category":       rec.Category,
		"approver_email": rec.ApproverEmail,
		"resolution_due": rec.ResolutionDue.UTC(),
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("request: commit: %w", err)
	}

	return rec, nil
}

// GuestEmailValue returns the guest email or empty when the record carries an
// identity reference instead.
func (r Record) GuestEmailValue() string {
	if r.GuestEmail == nil {
		return ""
	}
	return *r.GuestEmail
}
