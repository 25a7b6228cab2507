package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoApprover signals that no approver could be resolved for a category.
var ErrNoApprover = errors.New("identity: no approver configured")

// ApproverDirectory resolves the approver contact assigned to new requests.
// Resolution picks the longest-registered approver whose department matches
// the category, falling back to any approver, then to the configured default.
type ApproverDirectory struct {
	pool         *pgxpool.Pool
	defaultEmail string
}

func NewApproverDirectory(pool *pgxpool.Pool, defaultEmail string) *ApproverDirectory {
	return &ApproverDirectory{
		pool:         pool,
		defaultEmail: defaultEmail,
	}
}

// ApproverFor returns the email of the approver assigned to requests of the
// given kind and category.
func (d *ApproverDirectory) ApproverFor(ctx context.Context, kind, category string) (string, error) {
	const byDepartmentSQL = `
		SELECT email
		FROM users
		WHERE role = 'approver' AND department = $1
		ORDER BY created_at
		LIMIT 1
	`

	var email string
	err := d.pool.QueryRow(ctx, byDepartmentSQL, category).Scan(&email)
	if err == nil {
		return email, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("identity: resolve approver: %w", err)
	}

	const anyApproverSQL = `
		SELECT email
		FROM users
		WHERE role = 'approver'
		ORDER BY created_at
		LIMIT 1
	`

	err = d.pool.QueryRow(ctx, anyApproverSQL).Scan(&email)
	if err == nil {
		return email, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("identity: resolve approver: %w", err)
	}

	if d.defaultEmail != "" {
		return d.defaultEmail, nil
	}
	return "", ErrNoApprover
}
