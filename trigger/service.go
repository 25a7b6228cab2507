// Package trigger observes lifecycle transitions and projects derivative
// records into the adjacent maintenance-ticket domain, at most once per
// (source record, trigger type).
package trigger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loandesk/request"
	"loandesk/ticket"
)

var (
	// ErrDuplicateTrigger reports an existing linkage; it is a benign no-op
	// outcome, not a failure.
	ErrDuplicateTrigger = errors.New("trigger: derivative record already exists")
	// ErrNotEligible signals the source record is not a damaged return.
	ErrNotEligible = errors.New("trigger: record not eligible")
)

// Linkage ties a source request to its derivative ticket.
type Linkage struct {
	SourceRequestID string
	TriggerType     string
	TicketID        string
}

// SweepResult summarises one sweep run.
type SweepResult struct {
	Created int
	Skipped int
}

// Engine creates maintenance tickets for damaged returns. Safe to re-invoke
// arbitrarily many times for the same event: the request row lock plus the
// unique (source, trigger-type) constraint guarantee at-most-once creation.
type Engine struct {
	pool     *pgxpool.Pool
	requests *request.Repository
	tickets  *ticket.Repository
}

func NewEngine(pool *pgxpool.Pool, tickets *ticket.Repository) *Engine {
	return &Engine{
		pool:     pool,
		requests: request.NewRepository(),
		tickets:  tickets,
	}
}

// HandleReturned evaluates one returned record and creates the derivative
// ticket when the damage flag is set. Duplicate invocations return the
// existing linkage with ErrDuplicateTrigger.
func (e *Engine) HandleReturned(ctx context.Context, requestID string) (Linkage, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Linkage{}, fmt.Errorf("trigger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	linkage, err := e.handleReturnedTx(ctx, tx, requestID)
	if err != nil {
		return linkage, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Linkage{}, fmt.Errorf("trigger: commit: %w", err)
	}
	return linkage, nil
}

func (e *Engine) handleReturnedTx(ctx context.Context, tx pgx.Tx, requestID string) (Linkage, error) {
	rec, err := e.requests.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Linkage{}, err
	}
	if !rec.DamageReported {
		return Linkage{}, ErrNotEligible
	}
	switch rec.Status {
	case request.StatusReturned, request.StatusCompleted:
		// damage was reported on return; completion does not erase eligibility
	default:
		return Linkage{}, ErrNotEligible
	}

	// The source row is locked, so the check-then-create below cannot race a
	// concurrent retry of the same event. The unique constraint on
	// (source_request_id, trigger_type) is the backstop.
	var existingTicket string
	err = tx.QueryRow(ctx, `
SELECT ticket_id::text
FROM cross_module_events
WHERE source_request_id = $1 AND trigger_type = $2
`, requestID, ticket.TriggerDamagedReturn).Scan(&existingTicket)
	switch {
	case err == nil:
		return Linkage{
			SourceRequestID: requestID,
			TriggerType:     ticket.TriggerDamagedReturn,
			TicketID:        existingTicket,
		}, ErrDuplicateTrigger
	case errors.Is(err, pgx.ErrNoRows):
		// continue with create
	default:
		return Linkage{}, fmt.Errorf("trigger: check existing event: %w", err)
	}

	damage := ""
	if rec.DamageCategory != nil {
		damage = *rec.DamageCategory
	}
	returnedBy := ""
	if rec.ReturnedBy != nil {
		returnedBy = *rec.ReturnedBy
	}

	tk, err := e.tickets.CreateTx(ctx, tx, ticket.CreateParams{
		SourceRequestID: requestID,
		Category:        "maintenance",
		DamageCategory:  damage,
		OpenedBy:        returnedBy,
		Summary:         fmt.Sprintf("damage reported on returned asset (request %s)", requestID),
	})
	if err != nil {
		return Linkage{}, err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO cross_module_events (source_request_id, trigger_type, ticket_id)
VALUES ($1, $2, $3)
`, requestID, ticket.TriggerDamagedReturn, tk.ID); err != nil {
		return Linkage{}, fmt.Errorf("trigger: insert event: %w", err)
	}

	if err := e.requests.AppendAudit(ctx, tx, request.AuditEntry{
		RequestID:   requestID,
		PriorStatus: rec.Status,
		NextStatus:  rec.Status,
		Channel:     request.ChannelSystem,
		Remarks:     "maintenance ticket opened",
		Payload: map[string]any{
			"ticket_id":       tk.ID,
			"damage_category": damage,
		},
	}); err != nil {
		return Linkage{}, err
	}

	if err := e.requests.EnqueueOutbox(ctx, tx, request.TopicMaintenanceTicketOpen, map[string]any{
		"request_id":      requestID,
		"ticket_id":       tk.ID,
		"damage_category": damage,
		"returned_by":     returnedBy,
	}); err != nil {
		return Linkage{}, err
	}

	return Linkage{
		SourceRequestID: requestID,
		TriggerType:     ticket.TriggerDamagedReturn,
		TicketID:        tk.ID,
	}, nil
}

// RunSweep scans for damaged returns and creates any missing derivative
// tickets. Re-running over unchanged data creates nothing new.
func (e *Engine) RunSweep(ctx context.Context) (SweepResult, error) {
	rows, err := e.pool.Query(ctx, `
SELECT id
FROM requests
WHERE damage_reported AND status IN ('returned', 'completed')
ORDER BY updated_at
`)
	if err != nil {
		return SweepResult{}, fmt.Errorf("trigger: sweep query: %w", err)
	}
	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return SweepResult{}, fmt.Errorf("trigger: sweep scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return SweepResult{}, fmt.Errorf("trigger: sweep iterate: %w", err)
	}

	var res SweepResult
	for _, id := range ids {
		_, err := e.HandleReturned(ctx, id)
		switch {
		case err == nil:
			res.Created++
		case errors.Is(err, ErrDuplicateTrigger):
			res.Skipped++
		default:
			return res, err
		}
	}
	return res, nil
}
