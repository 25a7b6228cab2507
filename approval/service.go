package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"loandesk/request"
)

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Engine is the slice of the state machine the decision path drives.
type Engine interface {
	TransitionTx(ctx context.Context, tx pgx.Tx, params request.TransitionParams) (request.TransitionResult, error)
}

// TokenMinter mints decision tokens. Implemented by Generator.
type TokenMinter interface {
	NewToken() (string, error)
}

// Store defines the data access required by the service.
type Store interface {
	GetByTokenForUpdate(ctx context.Context, tx pgx.Tx, token string) (DecisionState, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (DecisionState, error)
	FindByToken(ctx context.Context, q Querier, token string) (DecisionState, error)
	StoreToken(ctx context.Context, tx pgx.Tx, requestID, token string, expiresAt time.Time) error
	ConsumeToken(ctx context.Context, tx pgx.Tx, requestID string, at time.Time) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	AppendAudit(ctx context.Context, tx pgx.Tx, entry request.AuditEntry) error
	FindExtensionByToken(ctx context.Context, q Querier, token string) (ExtensionState, error)
	FindExtensionByID(ctx context.Context, q Querier, extensionID string) (ExtensionState, error)
	LockExtension(ctx context.Context, tx pgx.Tx, extensionID string) (ExtensionState, error)
	DecideExtension(ctx context.Context, tx pgx.Tx, st ExtensionState, approve bool, at time.Time) error
}

// Service is the dual-channel approval subsystem. One decision is targeted by
// two channels; whichever commits first wins, and token consumption rides in
// the winning transaction so the loser deterministically observes it.
type Service struct {
	db     DB
	repo   Store
	engine Engine
	tokens TokenMinter
	ttl    time.Duration
	now    func() time.Time
}

func NewService(db DB, repo Store, engine Engine, tokens TokenMinter, ttl time.Duration) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if tokens == nil {
		tokens = NewGenerator()
	}
	return &Service{
		db:     db,
		repo:   repo,
		engine: engine,
		tokens: tokens,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Token is an issued decision credential.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// IssueToken mints and installs a fresh decision token for the record,
// superseding any outstanding one, and queues the approval-request
// notification. A freshly submitted record moves to under_review in the same
// transaction.
func (s *Service) IssueToken(ctx context.Context, requestID string) (Token, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("approval: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	st, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Token{}, err
	}

	switch st.Status {
	case request.StatusSubmitted:
		if _, err := s.engine.TransitionTx(ctx, tx, request.TransitionParams{
			RequestID: requestID,
			Event:     request.EventStartReview,
			Channel:   request.ChannelSystem,
			Remarks:   "approval requested",
		}); err != nil {
			return Token{}, err
		}
	case request.StatusUnderReview:
		// re-issue supersedes the outstanding token
	default:
		return Token{}, request.ErrConflict
	}

	value, err := s.tokens.NewToken()
	if err != nil {
		return Token{}, err
	}
	expires := s.now().UTC().Add(s.ttl)

	if err := s.repo.StoreToken(ctx, tx, requestID, value, expires); err != nil {
		return Token{}, err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, request.TopicApprovalRequested, map[string]any{
		"request_id":     requestID,
		"approver_email": st.ApproverEmail,
		"token":          value,
		"expires_at":     expires,
	}); err != nil {
		return Token{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Token{}, fmt.Errorf("approval: commit issue: %w", err)
	}

	return Token{Value: value, ExpiresAt: expires}, nil
}

// Validate resolves a token for rendering the decision page. It is a pure read:
// no row locks, no consumption, safe against link-preview crawlers.
func (s *Service) Validate(ctx context.Context, token string) (DecisionState, error) {
	if token == "" {
		return DecisionState{}, ErrTokenNotFound
	}
	st, err := s.repo.FindByToken(ctx, s.db, token)
	if err != nil {
		return DecisionState{}, err
	}
	if st.TokenConsumedAt != nil {
		return DecisionState{}, ErrTokenConsumed
	}
	if st.TokenExpiresAt != nil && s.now().After(*st.TokenExpiresAt) {
		return DecisionState{}, ErrTokenExpired
	}
	return st, nil
}

// DecideParams describes one decision attempt from either channel.
type DecideParams struct {
	// RequestID targets the record for portal decisions; Token for email ones.
	RequestID string
	Token     string
	Approve   bool
	Remarks   string
	Channel   request.Channel
	Actor     request.Actor
}

// Decide applies the decision through the state machine. The row lock taken
// here serialises the two channels: exactly one transition commits, and the
// token is consumed in that same transaction.
func (s *Service) Decide(ctx context.Context, params DecideParams) (request.TransitionResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return request.TransitionResult{}, fmt.Errorf("approval: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var st DecisionState
	switch params.Channel {
	case request.ChannelEmail:
		if params.Token == "" {
			return request.TransitionResult{}, ErrTokenNotFound
		}
		st, err = s.repo.GetByTokenForUpdate(ctx, tx, params.Token)
		if err != nil {
			return request.TransitionResult{}, err
		}
		if st.TokenConsumedAt != nil {
			return request.TransitionResult{}, ErrTokenConsumed
		}
		if st.TokenExpiresAt == nil || s.now().After(*st.TokenExpiresAt) {
			return request.TransitionResult{}, ErrTokenExpired
		}
		// The emailed link is addressed to the assigned approver; possession of
		// the live token stands in for authentication on this channel.
		params.Actor = request.Actor{Email: st.ApproverEmail}
	case request.ChannelPortal:
		if params.RequestID == "" {
			return request.TransitionResult{}, request.ErrNotFound
		}
		st, err = s.repo.GetForUpdate(ctx, tx, params.RequestID)
		if err != nil {
			return request.TransitionResult{}, err
		}
	default:
		return request.TransitionResult{}, fmt.Errorf("approval: unknown channel %q", params.Channel)
	}

	event := request.EventReject
	if params.Approve {
		event = request.EventApprove
	}

	res, err := s.engine.TransitionTx(ctx, tx, request.TransitionParams{
		RequestID: st.RequestID,
		Event:     event,
		Actor:     params.Actor,
		Channel:   params.Channel,
		Remarks:   params.Remarks,
	})
	if err != nil {
		// A portal attempt that lost the race to a consumed email token reports
		// consumption rather than a bare conflict.
		if errors.Is(err, request.ErrConflict) && st.TokenConsumedAt != nil {
			return request.TransitionResult{}, ErrTokenConsumed
		}
		return request.TransitionResult{}, err
	}

	if err := s.repo.ConsumeToken(ctx, tx, st.RequestID, s.now().UTC()); err != nil {
		return request.TransitionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return request.TransitionResult{}, fmt.Errorf("approval: commit decision: %w", err)
	}

	return res, nil
}

// ExtensionDecideParams describes a decision on a pending extension.
type ExtensionDecideParams struct {
	ExtensionID string
	Token       string
	Approve     bool
	Remarks     string
	Channel     request.Channel
	Actor       request.Actor
}

// DecideExtension finalises a pending extension through either channel. The
// primary request status never changes; an approved extension replaces the
// resolution-due timestamp in the same transaction.
func (s *Service) DecideExtension(ctx context.Context, params ExtensionDecideParams) (ExtensionState, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return ExtensionState{}, fmt.Errorf("approval: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var ext ExtensionState
	switch params.Channel {
	case request.ChannelEmail:
		if params.Token == "" {
			return ExtensionState{}, ErrTokenNotFound
		}
		ext, err = s.repo.FindExtensionByToken(ctx, tx, params.Token)
	case request.ChannelPortal:
		ext, err = s.repo.FindExtensionByID(ctx, tx, params.ExtensionID)
	default:
		return ExtensionState{}, fmt.Errorf("approval: unknown channel %q", params.Channel)
	}
	if err != nil {
		return ExtensionState{}, err
	}

	// Lock parent first, then the extension, matching the ordering used by the
	// request-decision path to avoid deadlocks.
	parent, err := s.repo.GetForUpdate(ctx, tx, ext.RequestID)
	if err != nil {
		return ExtensionState{}, err
	}
	// A closed record keeps its final deadline; a still-pending extension on it
	// can no longer be granted.
	if request.IsTerminal(parent.Status) {
		return ExtensionState{}, request.ErrConflict
	}
	ext, err = s.repo.LockExtension(ctx, tx, ext.ExtensionID)
	if err != nil {
		return ExtensionState{}, err
	}

	if ext.Status != request.ExtensionPending {
		if params.Channel == request.ChannelEmail {
			return ExtensionState{}, ErrTokenConsumed
		}
		return ExtensionState{}, request.ErrConflict
	}

	switch params.Channel {
	case request.ChannelEmail:
		if ext.TokenExpiresAt == nil || s.now().After(*ext.TokenExpiresAt) {
			return ExtensionState{}, ErrTokenExpired
		}
		params.Actor = request.Actor{Email: parent.ApproverEmail}
	case request.ChannelPortal:
		if !strings.EqualFold(strings.TrimSpace(params.Actor.Email), strings.TrimSpace(parent.ApproverEmail)) {
			return ExtensionState{}, request.ErrForbidden
		}
	}

	now := s.now().UTC()
	if err := s.repo.DecideExtension(ctx, tx, ext, params.Approve, now); err != nil {
		return ExtensionState{}, err
	}

	verdict := "declined"
	if params.Approve {
		verdict = "approved"
	}
	if err := s.repo.AppendAudit(ctx, tx, request.AuditEntry{
		RequestID:   ext.RequestID,
		PriorStatus: parent.Status,
		NextStatus:  parent.Status,
		Actor:       params.Actor.Email,
		Channel:     params.Channel,
		Remarks:     "extension " + verdict,
		Payload: map[string]any{
			"extension_id":  ext.ExtensionID,
			"requested_due": ext.RequestedDue.UTC(),
			"verdict":       verdict,
		},
	}); err != nil {
		return ExtensionState{}, err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, request.TopicExtensionDecided, map[string]any{
		"request_id":   ext.RequestID,
		"extension_id": ext.ExtensionID,
		"verdict":      verdict,
	}); err != nil {
		return ExtensionState{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ExtensionState{}, fmt.Errorf("approval: commit extension decision: %w", err)
	}

	if params.Approve {
		ext.Status = request.ExtensionApproved
	} else {
		ext.Status = request.ExtensionDeclined
	}
	return ext, nil
}
