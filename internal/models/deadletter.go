// Package models defines dead-letter queue types shared across modules.
package models

import "time"

// DefaultMaxRetries is the default number of retry attempts for a dead letter.
const DefaultMaxRetries = 3

// retryBackoffTable is the fixed, non-decreasing sequence of retry delays
// indexed by attempt count. Attempts beyond the table clamp at the last entry.
var retryBackoffTable = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
}

// RetryBackoff returns the backoff delay assigned at the given retry count.
func RetryBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(retryBackoffTable) {
		return retryBackoffTable[len(retryBackoffTable)-1]
	}
	return retryBackoffTable[retryCount]
}

// DeadLetterMessageType identifies which handler resends a dead letter.
type DeadLetterMessageType string

const (
	// DeadLetterDirectMessage is a failed one-off send issued outside any flow.
	DeadLetterDirectMessage DeadLetterMessageType = "direct_message"
	// DeadLetterFlowMessage is a failed send issued by a flow node.
	DeadLetterFlowMessage DeadLetterMessageType = "flow_message"
)

// IsValidDeadLetterMessageType checks if the given message type is supported.
func IsValidDeadLetterMessageType(mt DeadLetterMessageType) bool {
	switch mt {
	case DeadLetterDirectMessage, DeadLetterFlowMessage:
		return true
	default:
		return false
	}
}

// DeadLetterStatus represents the lifecycle state of a dead letter.
type DeadLetterStatus string

const (
	// DeadLetterRetrying indicates the entry is awaiting its next scheduled retry.
	DeadLetterRetrying DeadLetterStatus = "retrying"
	// DeadLetterResolved indicates a later resend succeeded.
	DeadLetterResolved DeadLetterStatus = "resolved"
	// DeadLetterFailed indicates retries are exhausted; operator action required.
	DeadLetterFailed DeadLetterStatus = "failed"
	// DeadLetterArchived indicates an operator acknowledged the entry without retrying.
	DeadLetterArchived DeadLetterStatus = "archived"
)

// DeadLetterEntry is a persisted record of a failed send awaiting
// backoff-scheduled retry. Invariant: RetryCount never exceeds MaxRetries.
type DeadLetterEntry struct {
	ID          string                `json:"id"`
	Scope       string                `json:"scope"` // e.g. conversation or workspace identifier
	MessageType DeadLetterMessageType `json:"message_type"`
	Recipient   string                `json:"recipient"`
	Payload     string                `json:"payload"`
	LastError   string                `json:"last_error"`
	RetryCount  int                   `json:"retry_count"`
	MaxRetries  int                   `json:"max_retries"`
	NextRetryAt time.Time             `json:"next_retry_at"`
	Status      DeadLetterStatus      `json:"status"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Exhausted reports whether the entry has used up all its retries.
func (e *DeadLetterEntry) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}
