package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// User represents a dashboard account (ambient, not part of the event fabric).
type User struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	Email            string     `json:"email" db:"email"`
	PasswordHash     string     `json:"-" db:"password_hash"`
	Name             string     `json:"name" db:"name"`
	Company          string     `json:"company,omitempty" db:"company"`
	Role             string     `json:"role" db:"role"` // user, admin
	EmailVerified    bool       `json:"email_verified" db:"email_verified"`
	StripeCustomerID string     `json:"-" db:"stripe_customer_id"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
}

// Customer is the local projection of the payment processor's customer object.
type Customer struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	UserID           uuid.UUID  `json:"user_id" db:"user_id"`
	StripeCustomerID string     `json:"stripe_customer_id" db:"stripe_customer_id"`
	Email            string     `json:"email" db:"email"`
	Name             string     `json:"name" db:"name"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Subscription is the local projection of the payment processor's subscription.
// The external service is authoritative; rows here are updated only inside
// webhook or acknowledgement transactions.
type Subscription struct {
	ID                   uuid.UUID  `json:"id" db:"id"`
	CustomerID           uuid.UUID  `json:"customer_id" db:"customer_id"`
	PlanID               string     `json:"plan_id" db:"plan_id"` // basic, pro, enterprise
	BillingCycle         string     `json:"billing_cycle" db:"billing_cycle"`
	Status               string     `json:"status" db:"status"` // active, trialing, past_due, cancelled
	CurrentPeriodStart   time.Time  `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd     time.Time  `json:"current_period_end" db:"current_period_end"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	CanceledAt           *time.Time `json:"canceled_at,omitempty" db:"canceled_at"`
	TrialStart           *time.Time `json:"trial_start,omitempty" db:"trial_start"`
	TrialEnd             *time.Time `json:"trial_end,omitempty" db:"trial_end"`
	ExternalSubscriptionID string   `json:"external_subscription_id" db:"external_subscription_id"`
	TrialPlanChanges     int        `json:"trial_plan_changes" db:"trial_plan_changes"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

// License is the terminal-facing identity document. activation_count must
// equal the number of Activation rows with is_active=true; enforced by
// transactional update plus row lock in internal/licensing.
type License struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	Key              string     `json:"key" db:"key"`
	CustomerID       uuid.UUID  `json:"customer_id" db:"customer_id"`
	SubscriptionID   uuid.UUID  `json:"subscription_id" db:"subscription_id"`
	MaxTerminals     int        `json:"max_terminals" db:"max_terminals"`
	ActivationCount  int        `json:"activation_count" db:"activation_count"`
	IsActive         bool       `json:"is_active" db:"is_active"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	RevocationReason string     `json:"revocation_reason,omitempty" db:"revocation_reason"`
	IssuedAt         time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// Activation binds one license to one machine.
type Activation struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	LicenseKey      string     `json:"license_key" db:"license_key"`
	MachineIDHash   string     `json:"machine_id_hash" db:"machine_id_hash"`
	TerminalName    string     `json:"terminal_name" db:"terminal_name"`
	FirstActivation time.Time  `json:"first_activation" db:"first_activation"`
	LastHeartbeat   *time.Time `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	IPAddress       string     `json:"ip_address,omitempty" db:"ip_address"`
	Location        string     `json:"location,omitempty" db:"location"`
	DeactivatedAt   *time.Time `json:"deactivated_at,omitempty" db:"deactivated_at"`
}

// SubscriptionChange is the audit trail C6 and the plan-change API write
// alongside every projection edit.
type SubscriptionChange struct {
	ID             uuid.UUID `json:"id" db:"id"`
	SubscriptionID uuid.UUID `json:"subscription_id" db:"subscription_id"`
	LicenseKey     string    `json:"license_key,omitempty" db:"license_key"`
	ChangeType     string    `json:"change_type" db:"change_type"`
	FromValue      string    `json:"from_value,omitempty" db:"from_value"`
	ToValue        string    `json:"to_value,omitempty" db:"to_value"`
	Reason         string    `json:"reason,omitempty" db:"reason"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Payment is a local record of a processed charge or invoice, idempotent on
// ExternalPaymentID.
type Payment struct {
	ID                uuid.UUID `json:"id" db:"id"`
	SubscriptionID    uuid.UUID `json:"subscription_id" db:"subscription_id"`
	ExternalPaymentID string    `json:"external_payment_id" db:"external_payment_id"`
	AmountCents       int64     `json:"amount_cents" db:"amount_cents"`
	Currency          string    `json:"currency" db:"currency"`
	Status            string    `json:"status" db:"status"` // succeeded, failed
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// Event is the immutable, append-only unit the delivery fabric replays and
// fans out. expires_at = created_at + EVENT_TTL_HOURS.
type Event struct {
	EventID    uuid.UUID       `json:"id" db:"event_id"`
	LicenseKey string          `json:"licenseKey" db:"license_key"`
	Type       EventType       `json:"type" db:"type"`
	Payload    json.RawMessage `json:"data" db:"payload"`
	CreatedAt  time.Time       `json:"timestamp" db:"created_at"`
	ExpiresAt  time.Time       `json:"-" db:"expires_at"`
}

// EventType is the closed set of wire event types the fabric delivers.
type EventType string

const (
	EventSubscriptionCancelled       EventType = "subscription_cancelled"
	EventSubscriptionReactivated     EventType = "subscription_reactivated"
	EventSubscriptionUpdated         EventType = "subscription_updated"
	EventSubscriptionPastDue         EventType = "subscription_past_due"
	EventSubscriptionPaymentSucceeded EventType = "subscription_payment_succeeded"
	EventLicenseRevoked             EventType = "license_revoked"
	EventLicenseReactivated         EventType = "license_reactivated"
	EventPlanChanged                EventType = "plan_changed"
	EventHeartbeatAck               EventType = "heartbeat_ack"
	EventTerminalAdded              EventType = "terminal_added"
	EventTerminalRemoved            EventType = "terminal_removed"
	EventTerminalReconnected        EventType = "terminal_reconnected"
	EventPrimaryChanged             EventType = "primary_changed"
	EventStateSync                  EventType = "state_sync"
	EventDeactivationBroadcast      EventType = "deactivation_broadcast"
)

// AckStatus is the terminal-reported outcome of processing one event.
type AckStatus string

const (
	AckSuccess AckStatus = "success"
	AckFailed  AckStatus = "failed"
)

// Acknowledgement is written only by the delivery endpoint (C3). At most one
// success row exists per (event_id, terminal_id); duplicate successes are
// idempotent no-ops.
type Acknowledgement struct {
	ID               uuid.UUID `json:"id" db:"id"`
	EventID          uuid.UUID `json:"event_id" db:"event_id"`
	LicenseKey       string    `json:"license_key" db:"license_key"`
	TerminalID       string    `json:"terminal_id" db:"terminal_id"`
	Status           AckStatus `json:"status" db:"status"`
	ErrorMessage     string    `json:"error_message,omitempty" db:"error_message"`
	ProcessingTimeMs int64     `json:"processing_time_ms" db:"processing_time_ms"`
	AcknowledgedAt   time.Time `json:"acknowledged_at" db:"acknowledged_at"`
}

// RetryAttemptResult is the outcome of one C5 retry cycle for an event.
type RetryAttemptResult string

const (
	RetryResultSuccess RetryAttemptResult = "success"
	RetryResultFailed  RetryAttemptResult = "failed"
	RetryResultTimeout RetryAttemptResult = "timeout"
)

// RetryAttempt is append-only history owned by the retry engine (C5).
type RetryAttempt struct {
	ID             uuid.UUID          `json:"id" db:"id"`
	EventID        uuid.UUID          `json:"event_id" db:"event_id"`
	AttemptNumber  int                `json:"attempt_number" db:"attempt_number"`
	Result         RetryAttemptResult `json:"result" db:"result"`
	ErrorMessage   string             `json:"error_message,omitempty" db:"error_message"`
	NextRetryAt    *time.Time         `json:"next_retry_at,omitempty" db:"next_retry_at"`
	AttemptedAt    time.Time          `json:"attempted_at" db:"attempted_at"`
	BackoffDelayMs int64              `json:"backoff_delay_ms,omitempty" db:"backoff_delay_ms"`
}

// DLQStatus is the lifecycle state of a dead-letter entry.
type DLQStatus string

const (
	DLQPendingReview DLQStatus = "pending_review"
	DLQRetrying      DLQStatus = "retrying"
	DLQResolved      DLQStatus = "resolved"
	DLQAbandoned     DLQStatus = "abandoned"
)

// DeadLetterEntry is created by C5 when retries exhaust; status is then
// mutated only by operator action.
type DeadLetterEntry struct {
	EventID           uuid.UUID       `json:"event_id" db:"event_id"`
	LicenseKey        string          `json:"license_key" db:"license_key"`
	Type              EventType       `json:"type" db:"type"`
	Payload           json.RawMessage `json:"data" db:"payload"`
	OriginalCreatedAt time.Time       `json:"original_created_at" db:"original_created_at"`
	RetryCount        int             `json:"retry_count" db:"retry_count"`
	LastErrorMessage  string          `json:"last_error_message,omitempty" db:"last_error_message"`
	LastErrorAt       *time.Time      `json:"last_error_at,omitempty" db:"last_error_at"`
	Status            DLQStatus       `json:"status" db:"status"`
	ResolvedBy        string          `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolutionNotes   string          `json:"resolution_notes,omitempty" db:"resolution_notes"`
	FailedAt          time.Time       `json:"failed_at" db:"failed_at"`
}

// WebhookReceipt's uniqueness constraint on ExternalEventID is the idempotency
// guard for C6, a conflicting insert means the event was already processed.
type WebhookReceipt struct {
	ExternalEventID string          `json:"external_event_id" db:"external_event_id"`
	Type            string          `json:"type" db:"type"`
	Payload         json.RawMessage `json:"payload" db:"payload"`
	Processed       bool            `json:"processed" db:"processed"`
	ErrorInfo       string          `json:"error_info,omitempty" db:"error_info"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// FailurePatternKind names the shapes of ack failure the pattern analyzer
// (C9) recognizes.
type FailurePatternKind string

const (
	PatternBurst      FailurePatternKind = "burst"
	PatternTimeout    FailurePatternKind = "timeout"
	PatternNetwork    FailurePatternKind = "network"
	PatternParsing    FailurePatternKind = "parsing"
	PatternRateLimit  FailurePatternKind = "rate_limit"
)

// FailurePattern is an upserted classification of grouped Acknowledgement
// failures for a license within an analysis window.
type FailurePattern struct {
	ID              uuid.UUID          `json:"id" db:"id"`
	LicenseKey      string             `json:"license_key" db:"license_key"`
	Kind            FailurePatternKind `json:"kind" db:"kind"`
	Severity        string             `json:"severity" db:"severity"` // low, medium, high
	OccurrenceCount int                `json:"occurrence_count" db:"occurrence_count"`
	WindowStart     time.Time          `json:"window_start" db:"window_start"`
	WindowEnd       time.Time          `json:"window_end" db:"window_end"`
	ResolvedAt      *time.Time         `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolutionNotes string             `json:"resolution_notes,omitempty" db:"resolution_notes"`
	CreatedAt       time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at" db:"updated_at"`
}

// PasswordReset stores password reset tokens (ambient dashboard auth).
type PasswordReset struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	UserID    uuid.UUID  `json:"user_id" db:"user_id"`
	Token     string     `json:"-" db:"token"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// RefreshToken stores JWT refresh tokens (ambient dashboard auth).
type RefreshToken struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	UserID    uuid.UUID  `json:"user_id" db:"user_id"`
	Token     string     `json:"-" db:"token"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
