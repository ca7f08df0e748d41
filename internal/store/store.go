// Package store provides storage backends for ChatWeave.
//
// It includes an in-memory store for tests and development, plus persistent
// SQLite and PostgreSQL backends with embedded migrations.
package store

import (
	"strings"
	"time"

	"github.com/chatweave/chatweave/internal/models"
)

// Store is the persistence surface shared by the flow engine, the delay
// scheduler, the dead-letter manager and the broadcast dispatcher.
type Store interface {
	// Flows
	SaveFlow(g models.FlowGraph) error
	GetFlow(id string) (*models.FlowGraph, error)

	// Conversation contexts
	GetConversation(id string) (*models.ConversationContext, error)
	GetConversationByContact(contactID string) (*models.ConversationContext, error)
	SaveConversation(c models.ConversationContext) error
	// ListResumableConversations returns suspended conversations whose
	// resume_at is at or before now, oldest first, up to limit.
	ListResumableConversations(now time.Time, limit int) ([]models.ConversationContext, error)

	// Contacts
	SaveContact(c models.Contact) error
	GetContact(id string) (*models.Contact, error)
	GetContactByPhone(phone string) (*models.Contact, error)
	// ListSendableContacts returns only contacts with opted_in and verified
	// set. Campaign audience resolution must go through this method.
	ListSendableContacts() ([]models.Contact, error)

	// Campaigns
	SaveCampaign(c models.Campaign) error
	GetCampaign(id string) (*models.Campaign, error)
	UpdateCampaignStatus(id string, status models.CampaignStatus) error
	// AddCampaignCounts increments the campaign's counters by the given deltas.
	AddCampaignCounts(id string, sent, delivered, read, failed int) error
	ListDueScheduledCampaigns(now time.Time, limit int) ([]models.Campaign, error)

	// Campaign messages
	CreateCampaignMessages(msgs []models.CampaignMessage) error
	ListPendingCampaignMessages(campaignID string, limit int) ([]models.CampaignMessage, error)
	UpdateCampaignMessage(m models.CampaignMessage) error
	CountCampaignMessages(campaignID string, status models.MessageStatus) (int, error)
	// LatestCampaignMessageForRecipient returns the most recently sent
	// campaign message for a recipient, for delivery receipt correlation.
	LatestCampaignMessageForRecipient(recipient string) (*models.CampaignMessage, error)

	// Dead letters
	AddDeadLetter(e models.DeadLetterEntry) error
	GetDeadLetter(id string) (*models.DeadLetterEntry, error)
	UpdateDeadLetter(e models.DeadLetterEntry) error
	// ListDueDeadLetters returns retrying entries whose next_retry_at is at
	// or before now and whose retry budget is not exhausted, up to limit.
	ListDueDeadLetters(now time.Time, limit int) ([]models.DeadLetterEntry, error)

	// Cache
	GetCacheEntry(key string) (*models.CacheEntry, error)
	PutCacheEntry(e models.CacheEntry) error
	DeleteExpiredCacheEntries(now time.Time) (int, error)

	Close() error
}

// Opts holds configuration options for persistent store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite3" based on its shape.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}
