package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"loandesk/request"
)

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SweepResult summarises one sweep run.
type SweepResult struct {
	Warned   int
	Breached int
}

// Monitor runs the periodic warning and breach passes. Both passes are
// idempotent: the warned_at/breached_at markers are the sole gate, so
// re-running over unchanged data emits nothing.
type Monitor struct {
	db       DB
	policy   Policy
	requests *request.Repository
}

func NewMonitor(db DB, policy Policy) *Monitor {
	return &Monitor{
		db:       db,
		policy:   policy,
		requests: request.NewRepository(),
	}
}

// RunSweep executes the warning pass then the breach pass as of the supplied
// instant. The caller drives scheduling; there is no internal timer.
func (m *Monitor) RunSweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult

	warned, err := m.warningPass(ctx, now)
	if err != nil {
		return res, err
	}
	res.Warned = warned

	breached, err := m.breachPass(ctx, now)
	if err != nil {
		return res, err
	}
	res.Breached = breached

	return res, nil
}

func (m *Monitor) warningPass(ctx context.Context, now time.Time) (int, error) {
	ids, err := m.selectIDs(ctx, `
SELECT id
FROM requests
WHERE warned_at IS NULL
  AND breached_at IS NULL
  AND status NOT IN ('completed', 'rejected')
  AND $1 >= resolution_due - (resolution_due - created_at) * $2::float8
ORDER BY resolution_due
`, now, m.policy.WarningFraction)
	if err != nil {
		return 0, fmt.Errorf("sla: warning select: %w", err)
	}

	count := 0
	for _, id := range ids {
		marked, err := m.markWarned(ctx, id, now)
		if err != nil {
			return count, err
		}
		if marked {
			count++
		}
	}
	return count, nil
}

func (m *Monitor) breachPass(ctx context.Context, now time.Time) (int, error) {
	ids, err := m.selectIDs(ctx, `
SELECT id
FROM requests
WHERE breached_at IS NULL
  AND status NOT IN ('completed', 'rejected')
  AND $1 >= resolution_due
ORDER BY resolution_due
`, now)
	if err != nil {
		return 0, fmt.Errorf("sla: breach select: %w", err)
	}

	count := 0
	for _, id := range ids {
		marked, err := m.markBreached(ctx, id, now)
		if err != nil {
			return count, err
		}
		if marked {
			count++
		}
	}
	return count, nil
}

func (m *Monitor) selectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := m.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// markWarned sets the marker and queues the notification in one transaction.
// The conditional UPDATE makes concurrent sweeps race safely: only the one
// that flips the marker emits.
func (m *Monitor) markWarned(ctx context.Context, requestID string, now time.Time) (bool, error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("sla: begin warn tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var resolutionDue time.Time
	err = tx.QueryRow(ctx, `
UPDATE requests
SET warned_at = $2,
    updated_at = now()
WHERE id = $1
  AND warned_at IS NULL
  AND breached_at IS NULL
  AND status NOT IN ('completed', 'rejected')
RETURNING resolution_due
`, requestID, now).Scan(&resolutionDue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Another sweep got here first, or the record progressed; nothing to emit.
			return false, nil
		}
		return false, fmt.Errorf("sla: mark warned %s: %w", requestID, err)
	}

	if err := m.requests.EnqueueOutbox(ctx, tx, request.TopicSLAWarning, map[string]any{
		"request_id":     requestID,
		"resolution_due": resolutionDue.UTC(),
		"warned_at":      now.UTC(),
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("sla: commit warn: %w", err)
	}
	return true, nil
}

// markBreached sets the marker, bumps priority, and queues the notification.
func (m *Monitor) markBreached(ctx context.Context, requestID string, now time.Time) (bool, error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("sla: begin breach tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var resolutionDue time.Time
	err = tx.QueryRow(ctx, `
UPDATE requests
SET breached_at = $2,
    priority = priority + 1,
    updated_at = now()
WHERE id = $1
  AND breached_at IS NULL
  AND status NOT IN ('completed', 'rejected')
RETURNING resolution_due
`, requestID, now).Scan(&resolutionDue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("sla: mark breached %s: %w", requestID, err)
	}

	if err := m.requests.EnqueueOutbox(ctx, tx, request.TopicSLABreach, map[string]any{
		"request_id":     requestID,
		"resolution_due": resolutionDue.UTC(),
		"breached_at":    now.UTC(),
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("sla: commit breach: %w", err)
	}
	return true, nil
}
