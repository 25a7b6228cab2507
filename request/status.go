package request

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrIllegalTransition signals the requested edge does not exist in the table.
	ErrIllegalTransition = errors.New("request: illegal transition")
	// ErrForbidden signals the actor fails the guard for an otherwise legal edge.
	ErrForbidden = errors.New("request: actor not permitted")
	// ErrConflict signals the record changed under a concurrent transition; the
	// caller may retry with fresh state.
	ErrConflict = errors.New("request: concurrent transition conflict")
	// ErrNotFound is returned when no request row exists for the identifier.
	ErrNotFound = errors.New("request: not found")
)

// transitions is the single authoritative edge table. Terminal states
// (completed, rejected) have no outgoing edges.
var transitions = map[Status]map[Event]Status{
	StatusSubmitted: {
		EventStartReview: StatusUnderReview,
	},
	StatusUnderReview: {
		EventApprove:     StatusApproved,
		EventReject:      StatusRejected,
		EventRequestInfo: StatusPendingInfo,
	},
	StatusPendingInfo: {
		EventProvideInfo: StatusUnderReview,
	},
	StatusApproved: {
		EventMarkReady: StatusReadyIssuance,
	},
	StatusReadyIssuance: {
		EventIssue: StatusIssued,
	},
	StatusIssued: {
		EventActivate: StatusInUse,
	},
	StatusInUse: {
		EventFlagReturnDue:      StatusReturnDue,
		EventMarkOverdue:        StatusOverdue,
		EventRequireMaintenance: StatusMaintenanceRequired,
	},
	StatusReturnDue: {
		EventStartReturn: StatusReturning,
		EventMarkOverdue: StatusOverdue,
	},
	StatusReturning: {
		EventCompleteReturn: StatusReturned,
	},
	StatusOverdue: {
		EventStartReturn: StatusReturning,
	},
	StatusMaintenanceRequired: {
		EventComplete: StatusCompleted,
	},
	StatusReturned: {
		EventComplete: StatusCompleted,
	},
}

// Target resolves the destination state for (from, event), or ErrIllegalTransition.
func Target(from Status, event Event) (Status, error) {
	edges, ok := transitions[from]
	if !ok {
		return "", ErrIllegalTransition
	}
	to, ok := edges[event]
	if !ok {
		return "", ErrIllegalTransition
	}
	return to, nil
}

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(s Status) bool {
	_, ok := transitions[s]
	return !ok
}

// Engine enforces legal status transitions. Each Transition call is atomic:
// guard check, state mutation, audit append, and outbox emission commit as one
// unit or roll back together.
type Engine struct {
	pool *pgxpool.Pool
	repo *Repository
}

func NewEngine(pool *pgxpool.Pool) *Engine {
	return &Engine{pool: pool, repo: NewRepository()}
}

// TransitionParams describes one attempted transition.
type TransitionParams struct {
	RequestID string
	Event     Event
	Actor     Actor
	Channel   Channel
	Remarks   string

	// Damage fields are honoured only on complete_return.
	Damage         bool
	DamageCategory string
}

// TransitionResult reports the committed edge.
type TransitionResult struct {
	RequestID   string
	PriorStatus Status
	NextStatus  Status
}

// Transition runs the transition in its own transaction.
func (e *Engine) Transition(ctx context.Context, params TransitionParams) (TransitionResult, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := e.TransitionTx(ctx, tx, params)
	if err != nil {
		return TransitionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TransitionResult{}, fmt.Errorf("request: commit transition: %w", err)
	}
	return res, nil
}

// TransitionTx runs the transition inside the caller's transaction so callers
// (the approval subsystem in particular) can couple it with their own writes.
// The request row must not already be locked by another session: the FOR UPDATE
// here serialises concurrent decisions so exactly one wins.
func (e *Engine) TransitionTx(ctx context.Context, tx pgx.Tx, params TransitionParams) (TransitionResult, error) {
	if params.RequestID == "" {
		return TransitionResult{}, fmt.Errorf("request: missing request id")
	}
	if params.Channel == "" {
		params.Channel = ChannelSystem
	}

	current, approverEmail, err := e.repo.GetStatusForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return TransitionResult{}, err
	}

	next, err := Target(current, params.Event)
	if err != nil {
		if IsTerminal(current) || alreadyDecided(current, params.Event) {
			return TransitionResult{}, ErrConflict
		}
		return TransitionResult{}, fmt.Errorf("%w: %s -> (%s)", ErrIllegalTransition, current, params.Event)
	}

	if err := guard(params, approverEmail); err != nil {
		return TransitionResult{}, err
	}

	if err := e.repo.UpdateStatus(ctx, tx, params.RequestID, next); err != nil {
		return TransitionResult{}, err
	}

	payload := map[string]any{
		"previous_status": string(current),
		"next_status":     string(next),
	}
	if params.Event == EventCompleteReturn && params.Damage {
		if err := e.repo.RecordDamage(ctx, tx, params.RequestID, params.DamageCategory, params.Actor.ID); err != nil {
			return TransitionResult{}, err
		}
		payload["damage"] = true
		payload["damage_category"] = params.DamageCategory
	}

	if err := e.repo.AppendAudit(ctx, tx, AuditEntry{
		RequestID:   params.RequestID,
		PriorStatus: current,
		NextStatus:  next,
		Actor:       params.Actor.Email,
		Channel:     params.Channel,
		Remarks:     params.Remarks,
		Payload:     payload,
	}); err != nil {
		return TransitionResult{}, err
	}

	outbox := map[string]any{
		"request_id": params.RequestID,
		"previous":   string(current),
		"next":       string(next),
		"channel":    string(params.Channel),
	}
	if err := e.repo.EnqueueOutbox(ctx, tx, TopicStatusChanged, outbox); err != nil {
		return TransitionResult{}, err
	}

	if params.Event == EventCompleteReturn && params.Damage {
		damaged := map[string]any{
			"request_id":      params.RequestID,
			"damage_category": params.DamageCategory,
			"returned_by":     params.Actor.ID,
		}
		if err := e.repo.EnqueueOutbox(ctx, tx, TopicReturnedDamaged, damaged); err != nil {
			return TransitionResult{}, err
		}
	}

	return TransitionResult{
		RequestID:   params.RequestID,
		PriorStatus: current,
		NextStatus:  next,
	}, nil
}

// Inspect reads the record and its transition log without locking.
func (e *Engine) Inspect(ctx context.Context, requestID string) (Record, []Audit, error) {
	rec, err := e.repo.GetByID(ctx, e.pool, requestID)
	if err != nil {
		return Record{}, nil, err
	}
	audits, err := e.repo.ListAudits(ctx, e.pool, requestID)
	if err != nil {
		return Record{}, nil, err
	}
	return rec, audits, nil
}

// guard enforces per-event actor requirements. Approval decisions check the
// live assigned-approver contact at decision time.
func guard(params TransitionParams, approverEmail string) error {
	switch params.Event {
	case EventApprove, EventReject:
		if params.Channel == ChannelSystem {
			return nil
		}
		if !strings.EqualFold(strings.TrimSpace(params.Actor.Email), strings.TrimSpace(approverEmail)) {
			return ErrForbidden
		}
	}
	return nil
}

// alreadyDecided distinguishes "lost a decision race" from a plainly bogus edge
// so callers can surface a calm already-decided message.
func alreadyDecided(current Status, event Event) bool {
	if event != EventApprove && event != EventReject {
		return false
	}
	return current != StatusUnderReview && current != StatusSubmitted
}
