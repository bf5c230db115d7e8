/**
 * @description
 * Side-effect records emitted after a unit of work commits. They travel through the
 * event outbox and RabbitMQ and are persisted by the side-effect consumer.
 */

package domain

import "time"

// Routing keys on the events exchange.
const (
	RoutingKeyNotificationCreated = "notification.created"
	RoutingKeyAuditRecorded       = "audit.recorded"
)

// NotificationCategory groups notifications in the inbox.
type NotificationCategory string

const (
	NotificationTransaction NotificationCategory = "TRANSACTION"
	NotificationSecurity    NotificationCategory = "SECURITY"
	NotificationAccount     NotificationCategory = "ACCOUNT"
	NotificationSystem      NotificationCategory = "SYSTEM"
)

// AuditSeverity grades an audit record.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "INFO"
	SeverityWarning  AuditSeverity = "WARNING"
	SeverityCritical AuditSeverity = "CRITICAL"
)

// Audit actions recorded by the core.
const (
	AuditAccountCreated      = "ACCOUNT_CREATED"
	AuditDeposit             = "DEPOSIT"
	AuditWithdraw            = "WITHDRAW"
	AuditTransferInitiated   = "TRANSFER_INITIATED"
	AuditTransferCompleted   = "TRANSFER_COMPLETED"
	AuditTransferFailed      = "TRANSFER_FAILED"
	AuditTransferExpired     = "TRANSFER_EXPIRED"
	AuditAccountFrozen       = "ACCOUNT_FROZEN"
	AuditAccountUnfrozen     = "ACCOUNT_UNFROZEN"
	AuditAccountClosed       = "ACCOUNT_CLOSED"
	AuditLimitsUpdated       = "ACCOUNT_LIMITS_UPDATED"
	AuditTransactionApproved = "TRANSACTION_APPROVED"
	AuditTransactionRejected = "TRANSACTION_REJECTED"
)

// NotificationEvent asks the consumer to store an inbox notification.
type NotificationEvent struct {
	UserID               int64                `json:"user_id"`
	Title                string               `json:"title"`
	Message              string               `json:"message"`
	Category             NotificationCategory `json:"category"`
	RelatedAccountID     *int64               `json:"related_account_id,omitempty"`
	RelatedTransactionID *int64               `json:"related_transaction_id,omitempty"`
	OccurredAt           time.Time            `json:"occurred_at"`
}

// AuditEvent asks the consumer to store an audit record.
type AuditEvent struct {
	ActorUsername        string        `json:"actor_username"`
	Action               string        `json:"action"`
	Details              string        `json:"details"`
	ClientIP             string        `json:"client_ip"`
	Severity             AuditSeverity `json:"severity"`
	RelatedAccountID     *int64        `json:"related_account_id,omitempty"`
	RelatedTransactionID *int64        `json:"related_transaction_id,omitempty"`
	OccurredAt           time.Time     `json:"occurred_at"`
}

// Notification mirrors a row of the notifications table.
type Notification struct {
	ID                   int64                `json:"id"`
	UserID               int64                `json:"user_id"`
	Title                string               `json:"title"`
	Message              string               `json:"message"`
	Category             NotificationCategory `json:"category"`
	IsRead               bool                 `json:"is_read"`
	RelatedAccountID     *int64               `json:"related_account_id,omitempty"`
	RelatedTransactionID *int64               `json:"related_transaction_id,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
}

// OutboxEvent is one pending message in the event outbox.
type OutboxEvent struct {
	RoutingKey string
	Payload    interface{}
}
