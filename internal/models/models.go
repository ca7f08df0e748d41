// Package models defines the core data structures for ChatWeave.
//
// It includes types for contacts, inbound messages and delivery receipts,
// which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum allowed length for outbound message bodies
	MaxMessageBodyLength = 4096
	// MinRateLimit is the lowest allowed campaign rate limit in messages per second
	MinRateLimit = 1
	// MaxRateLimit is the highest allowed campaign rate limit in messages per second
	MaxRateLimit = 100
)

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient      = errors.New("recipient cannot be empty")
	ErrEmptyBody           = errors.New("message body cannot be empty")
	ErrBodyTooLong         = errors.New("message body exceeds maximum length")
	ErrInvalidRateLimit    = errors.New("rate limit must be between 1 and 100 messages per second")
	ErrInvalidTransition   = errors.New("invalid campaign status transition")
	ErrInvalidNodeType     = errors.New("invalid flow node type")
	ErrUnknownNode         = errors.New("edge references unknown node id")
	ErrInvalidAudienceKind = errors.New("invalid audience kind")
)

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusPending indicates the message has not been attempted yet.
	MessageStatusPending MessageStatus = "pending"
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Contact represents a messaging contact known to the platform.
// Only contacts with OptedIn and Verified set may ever receive campaign sends.
type Contact struct {
	ID           string            `json:"id"`
	Phone        string            `json:"phone"`
	Name         string            `json:"name,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
	OptedIn      bool              `json:"opted_in"`
	Verified     bool              `json:"verified"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Sendable reports whether the contact may receive outbound campaign messages.
func (c *Contact) Sendable() bool {
	return c.OptedIn && c.Verified
}

// InboundKind classifies an inbound message event.
type InboundKind string

const (
	// InboundKindText is a plain text message from a contact.
	InboundKindText InboundKind = "text"
	// InboundKindMedia is a media message; the orchestration core only sees its caption.
	InboundKindMedia InboundKind = "media"
)

// InboundMessage represents an incoming message from a contact, as delivered
// by the transport layer.
type InboundMessage struct {
	From string      `json:"from"`
	Body string      `json:"body"`
	Kind InboundKind `json:"kind"`
	Time int64       `json:"time"`
}

// Receipt represents a delivery status event for a previously sent message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// CacheEntry is a store-backed cache record with an expiry. The scheduler's
// daily sweep removes entries whose ExpiresAt has passed.
type CacheEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at the given instant.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}
