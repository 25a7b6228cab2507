package request

import "time"

// Status enumerates the request lifecycle states. The set is closed; transitions
// happen only along the edges in the transition table (status.go).
type Status string

const (
	StatusSubmitted           Status = "submitted"
	StatusUnderReview         Status = "under_review"
	StatusApproved            Status = "approved"
	StatusRejected            Status = "rejected"
	StatusPendingInfo         Status = "pending_info"
	StatusReadyIssuance       Status = "ready_issuance"
	StatusIssued              Status = "issued"
	StatusInUse               Status = "in_use"
	StatusReturnDue           Status = "return_due"
	StatusReturning           Status = "returning"
	StatusReturned            Status = "returned"
	StatusOverdue             Status = "overdue"
	StatusMaintenanceRequired Status = "maintenance_required"
	StatusCompleted           Status = "completed"
)

// Event names a lifecycle transition trigger.
type Event string

const (
	EventStartReview        Event = "start_review"
	EventApprove            Event = "approve"
	EventReject             Event = "reject"
	EventRequestInfo        Event = "request_info"
	EventProvideInfo        Event = "provide_info"
	EventMarkReady          Event = "mark_ready"
	EventIssue              Event = "issue"
	EventActivate           Event = "activate"
	EventFlagReturnDue      Event = "flag_return_due"
	EventStartReturn        Event = "start_return"
	EventCompleteReturn     Event = "complete_return"
	EventMarkOverdue        Event = "mark_overdue"
	EventRequireMaintenance Event = "require_maintenance"
	EventComplete           Event = "complete"
)

// Channel identifies which surface recorded a decision or transition.
type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelPortal Channel = "portal"
	ChannelSystem Channel = "system"
)

// Kind distinguishes asset loans from helpdesk tickets.
type Kind string

const (
	KindLoan   Kind = "loan"
	KindTicket Kind = "ticket"
)

// Record mirrors the requests table. Exactly one of UserID and GuestEmail is
// populated at any time; the identity side may be filled later via claim.
type Record struct {
	ID               string
	Kind             Kind
	Category         string
	Summary          string
	UserID           *string
	GuestName        *string
	GuestEmail       *string
	Status           Status
	Priority         int
	ApproverEmail    string
	ApprovalToken    *string
	TokenExpiresAt   *time.Time
	DamageReported   bool
	DamageCategory   *string
	ReturnedBy       *string
	FirstResponseDue time.Time
	ResolutionDue    time.Time
	WarnedAt         *time.Time
	BreachedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Audit captures one immutable transition log entry. Rows are append-only and
// never mutated once written.
type Audit struct {
	ID          int64
	RequestID   string
	Seq         int
	PriorStatus Status
	NextStatus  Status
	Actor       string
	Channel     Channel
	Remarks     string
	Payload     []byte
	CreatedAt   time.Time
}

// Extension mirrors the extension_requests table. A pending extension rides
// alongside the primary status and is decided through the same dual-channel
// approval machinery as the request itself.
type Extension struct {
	ID             string
	RequestID      string
	RequestedDue   time.Time
	Justification  string
	Status         ExtensionStatus
	ApprovalToken  *string
	TokenExpiresAt *time.Time
	DecidedAt      *time.Time
	CreatedAt      time.Time
}

type ExtensionStatus string

const (
	ExtensionPending  ExtensionStatus = "pending"
	ExtensionApproved ExtensionStatus = "approved"
	ExtensionDeclined ExtensionStatus = "declined"
)

// Actor is whoever drives a transition: an authenticated user, an off-system
// approver following an email link, or the system itself.
type Actor struct {
	ID    string
	Email string
}

// Outbox topics emitted by the lifecycle engine.
const (
	TopicRequestCreated         = "request.created"
	TopicRequestClaimed         = "request.claimed"
	TopicStatusChanged          = "request.status_changed"
	TopicApprovalRequested      = "request.approval_requested"
	TopicReturnedDamaged        = "request.returned_damaged"
	TopicExtensionRequested     = "request.extension_requested"
	TopicExtensionDecided       = "request.extension_decided"
	TopicSLAWarning             = "sla.warning"
	TopicSLABreach              = "sla.breach"
	TopicMaintenanceTicketOpen  = "ticket.opened"
)
