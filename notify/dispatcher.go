package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// ErrDeliveryFailed wraps transport failures. A failed delivery is retried
// later; it never rolls back or blocks the state change that queued it.
var ErrDeliveryFailed = errors.New("notify: delivery failed")

// Transport delivers a rendered message to the outside world.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// LogTransport writes notifications to the process log. It is the default in
// development and the fallback when no mail gateway is configured.
type LogTransport struct {
	Log *logrus.Logger
}

func (t *LogTransport) Send(ctx context.Context, msg Message) error {
	t.Log.WithFields(logrus.Fields{
		"topic":   msg.Topic,
		"subject": msg.Subject,
	}).Info(msg.Body)
	return nil
}

// DrainResult summarises one drain pass over the outbox.
type DrainResult struct {
	Delivered int
	Retried   int
	Dead      int
}

// Dispatcher drains the transactional outbox. Rows are claimed with
// FOR UPDATE SKIP LOCKED so multiple dispatchers can run concurrently
// without double-claiming; a crash after send but before commit redelivers,
// which is the at-least-once contract.
type Dispatcher struct {
	pool      *pgxpool.Pool
	transport Transport
	log       *logrus.Logger
	maxTries  int
	batchSize int
	now       func() time.Time
}

func NewDispatcher(pool *pgxpool.Pool, transport Transport, log *logrus.Logger, maxTries, batchSize int) *Dispatcher {
	if maxTries < 1 {
		maxTries = 1
	}
	if batchSize < 1 {
		batchSize = 50
	}
	return &Dispatcher{
		pool:      pool,
		transport: transport,
		log:       log,
		maxTries:  maxTries,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Intended for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

type outboxRow struct {
	ID       string
	Topic    string
	Payload  map[string]any
	Attempts int
}

// Drain claims and delivers one batch of due pending rows.
func (d *Dispatcher) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("notify: begin drain: %w", err)
	}
	defer tx.Rollback(ctx)

	now := d.now()
	rows, err := tx.Query(ctx, `
SELECT id, topic, payload, attempts
FROM outbox
WHERE status = 'pending'
  AND next_attempt_at <= $1
ORDER BY created_at
LIMIT $2
FOR UPDATE SKIP LOCKED
`, now, d.batchSize)
	if err != nil {
		return res, fmt.Errorf("notify: claim batch: %w", err)
	}

	var batch []outboxRow
	for rows.Next() {
		var row outboxRow
		var raw []byte
		if err := rows.Scan(&row.ID, &row.Topic, &raw, &row.Attempts); err != nil {
			rows.Close()
			return res, fmt.Errorf("notify: scan outbox row: %w", err)
		}
		if err := json.Unmarshal(raw, &row.Payload); err != nil {
			// Keep the row, deliver with an empty payload; the formatter copes.
			row.Payload = map[string]any{}
		}
		batch = append(batch, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("notify: read batch: %w", err)
	}

	for _, row := range batch {
		msg := Format(row.Topic, row.Payload)
		sendErr := d.transport.Send(ctx, msg)
		if sendErr == nil {
			if _, err := tx.Exec(ctx, `
UPDATE outbox SET status = 'processed', processed_at = $2, attempts = attempts + 1 WHERE id = $1
`, row.ID, now); err != nil {
				return res, fmt.Errorf("notify: mark processed: %w", err)
			}
			res.Delivered++
			continue
		}

		attempts := row.Attempts + 1
		if attempts >= d.maxTries {
			if _, err := tx.Exec(ctx, `
UPDATE outbox SET status = 'dead', attempts = $2, last_error = $3 WHERE id = $1
`, row.ID, attempts, sendErr.Error()); err != nil {
				return res, fmt.Errorf("notify: mark dead: %w", err)
			}
			res.Dead++
			d.log.WithFields(logrus.Fields{
				"outbox_id": row.ID,
				"topic":     row.Topic,
				"attempts":  attempts,
			}).WithError(sendErr).Error("notification dropped after max delivery attempts")
			continue
		}

		next := now.Add(retryDelay(attempts))
		if _, err := tx.Exec(ctx, `
UPDATE outbox SET attempts = $2, next_attempt_at = $3, last_error = $4 WHERE id = $1
`, row.ID, attempts, next, sendErr.Error()); err != nil {
			return res, fmt.Errorf("notify: schedule retry: %w", err)
		}
		res.Retried++
		d.log.WithFields(logrus.Fields{
			"outbox_id":    row.ID,
			"topic":        row.Topic,
			"attempts":     attempts,
			"next_attempt": next,
		}).WithError(fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)).Warn("notification delivery failed, will retry")
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("notify: commit drain: %w", err)
	}
	return res, nil
}

// retryDelay grows exponentially with the attempt count.
func retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 30 * time.Second
	b.MaxInterval = 4 * time.Hour
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
