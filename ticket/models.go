package ticket

import "time"

// Status represents the lifecycle of a maintenance ticket.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
)

// TriggerDamagedReturn is the trigger-type key for tickets spawned from a
// damaged asset return.
const TriggerDamagedReturn = "damaged_return"

// Record mirrors the tickets table.
type Record struct {
	ID              string
	SourceRequestID *string
	Category        string
	DamageCategory  *string
	OpenedBy        *string
	Summary         string
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
}
