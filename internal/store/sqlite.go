// Package store provides storage backends for ChatWeave.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/chatweave/chatweave/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store on top of a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveFlow stores or replaces a flow graph definition.
func (s *SQLiteStore) SaveFlow(g models.FlowGraph) error {
	definition, err := json.Marshal(g)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow marshal failed", "error", err, "flowID", g.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO flows (id, name, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		g.ID, nilIfEmpty(g.Name), string(definition), g.CreatedAt, g.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "flowID", g.ID)
		return fmt.Errorf("failed to save flow %s: %w", g.ID, err)
	}
	return nil
}

// GetFlow retrieves a flow graph by id, returning nil when absent.
func (s *SQLiteStore) GetFlow(id string) (*models.FlowGraph, error) {
	var definition string
	err := s.db.QueryRow(`SELECT definition FROM flows WHERE id = ?`, id).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlow failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	var g models.FlowGraph
	if err := json.Unmarshal([]byte(definition), &g); err != nil {
		slog.Error("SQLiteStore GetFlow unmarshal failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to decode flow %s: %w", id, err)
	}
	return &g, nil
}

const conversationColumns = `conversation_id, flow_id, contact_id, current_node_id, waiting_for, variables, flow_history, resume_at, human_handled, created_at, updated_at`

// GetConversation retrieves a conversation context by id, returning nil when absent.
func (s *SQLiteStore) GetConversation(id string) (*models.ConversationContext, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE conversation_id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversation failed", "error", err, "conversationID", id)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &c, nil
}

// GetConversationByContact retrieves the conversation context for a contact.
func (s *SQLiteStore) GetConversationByContact(contactID string) (*models.ConversationContext, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE contact_id = ? ORDER BY created_at DESC LIMIT 1`, contactID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversationByContact failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("failed to get conversation for contact %s: %w", contactID, err)
	}
	return &c, nil
}

// SaveConversation stores or updates a conversation context.
func (s *SQLiteStore) SaveConversation(c models.ConversationContext) error {
	variables, err := marshalJSONField(c.Variables)
	if err != nil {
		return fmt.Errorf("encode conversation variables: %w", err)
	}
	history, err := marshalJSONField(c.FlowHistory)
	if err != nil {
		return fmt.Errorf("encode conversation flow history: %w", err)
	}
	var resumeAt interface{}
	if c.ResumeAt != nil {
		resumeAt = *c.ResumeAt
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ConversationID, c.FlowID, c.ContactID, nilIfEmpty(c.CurrentNodeID), nilIfEmpty(c.WaitingFor),
		nilIfEmpty(variables), nilIfEmpty(history), resumeAt, c.HumanHandled, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation failed", "error", err, "conversationID", c.ConversationID)
		return fmt.Errorf("failed to save conversation %s: %w", c.ConversationID, err)
	}
	slog.Debug("SQLiteStore SaveConversation succeeded", "conversationID", c.ConversationID, "currentNodeID", c.CurrentNodeID)
	return nil
}

// ListResumableConversations returns suspended conversations due at or before now.
func (s *SQLiteStore) ListResumableConversations(now time.Time, limit int) ([]models.ConversationContext, error) {
	rows, err := s.db.Query(`SELECT `+conversationColumns+` FROM conversations WHERE resume_at IS NOT NULL AND resume_at <= ? ORDER BY resume_at ASC LIMIT ?`, now, limit)
	if err != nil {
		slog.Error("SQLiteStore ListResumableConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query resumable conversations: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationContext
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			slog.Error("SQLiteStore ListResumableConversations scan failed", "error", err)
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveContact stores or replaces a contact.
func (s *SQLiteStore) SaveContact(c models.Contact) error {
	tags, err := marshalJSONField(c.Tags)
	if err != nil {
		return fmt.Errorf("encode contact tags: %w", err)
	}
	customFields, err := marshalJSONField(c.CustomFields)
	if err != nil {
		return fmt.Errorf("encode contact custom fields: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO contacts (id, phone, name, tags, custom_fields, opted_in, verified, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Phone, nilIfEmpty(c.Name), nilIfEmpty(tags), nilIfEmpty(customFields), c.OptedIn, c.Verified, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveContact failed", "error", err, "contactID", c.ID)
		return fmt.Errorf("failed to save contact %s: %w", c.ID, err)
	}
	return nil
}

const contactColumns = `id, phone, name, tags, custom_fields, opted_in, verified, created_at, updated_at`

// GetContact retrieves a contact by id, returning nil when absent.
func (s *SQLiteStore) GetContact(id string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetContact failed", "error", err, "contactID", id)
		return nil, fmt.Errorf("failed to get contact %s: %w", id, err)
	}
	return &c, nil
}

// GetContactByPhone retrieves a contact by phone number, returning nil when absent.
func (s *SQLiteStore) GetContactByPhone(phone string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE phone = ?`, phone)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetContactByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get contact by phone: %w", err)
	}
	return &c, nil
}

// ListSendableContacts returns contacts that are both opted in and verified.
func (s *SQLiteStore) ListSendableContacts() ([]models.Contact, error) {
	rows, err := s.db.Query(`SELECT ` + contactColumns + ` FROM contacts WHERE opted_in = 1 AND verified = 1 ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore ListSendableContacts query failed", "error", err)
		return nil, fmt.Errorf("failed to query sendable contacts: %w", err)
	}
	defer rows.Close()

	var out []models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			slog.Error("SQLiteStore ListSendableContacts scan failed", "error", err)
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const campaignColumns = `id, name, status, template_body, audience, rate_limit, failure_threshold, scheduled_at, sent_count, delivered_count, read_count, failed_count, created_at, updated_at`

// SaveCampaign stores or replaces a campaign.
func (s *SQLiteStore) SaveCampaign(c models.Campaign) error {
	audience, err := json.Marshal(c.Audience)
	if err != nil {
		return fmt.Errorf("encode campaign audience: %w", err)
	}
	var scheduledAt interface{}
	if c.ScheduledAt != nil {
		scheduledAt = *c.ScheduledAt
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO campaigns (`+campaignColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, nilIfEmpty(c.Name), c.Status, c.TemplateBody, string(audience), c.RateLimit, c.FailureThreshold,
		scheduledAt, c.SentCount, c.DeliveredCount, c.ReadCount, c.FailedCount, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveCampaign failed", "error", err, "campaignID", c.ID)
		return fmt.Errorf("failed to save campaign %s: %w", c.ID, err)
	}
	return nil
}

// GetCampaign retrieves a campaign by id, returning nil when absent.
func (s *SQLiteStore) GetCampaign(id string) (*models.Campaign, error) {
	row := s.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetCampaign failed", "error", err, "campaignID", id)
		return nil, fmt.Errorf("failed to get campaign %s: %w", id, err)
	}
	return &c, nil
}

// UpdateCampaignStatus sets a campaign's status.
func (s *SQLiteStore) UpdateCampaignStatus(id string, status models.CampaignStatus) error {
	_, err := s.db.Exec(`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore UpdateCampaignStatus failed", "error", err, "campaignID", id, "status", status)
		return fmt.Errorf("failed to update campaign %s status: %w", id, err)
	}
	slog.Debug("SQLiteStore UpdateCampaignStatus succeeded", "campaignID", id, "status", status)
	return nil
}

// AddCampaignCounts increments campaign counters by the given deltas.
func (s *SQLiteStore) AddCampaignCounts(id string, sent, delivered, read, failed int) error {
	_, err := s.db.Exec(`UPDATE campaigns SET sent_count = sent_count + ?, delivered_count = delivered_count + ?, read_count = read_count + ?, failed_count = failed_count + ?, updated_at = ? WHERE id = ?`,
		sent, delivered, read, failed, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore AddCampaignCounts failed", "error", err, "campaignID", id)
		return fmt.Errorf("failed to update campaign %s counters: %w", id, err)
	}
	return nil
}

// ListDueScheduledCampaigns returns scheduled campaigns due at or before now.
func (s *SQLiteStore) ListDueScheduledCampaigns(now time.Time, limit int) ([]models.Campaign, error) {
	rows, err := s.db.Query(`SELECT `+campaignColumns+` FROM campaigns WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ? ORDER BY scheduled_at ASC LIMIT ?`,
		models.CampaignStatusScheduled, now, limit)
	if err != nil {
		slog.Error("SQLiteStore ListDueScheduledCampaigns query failed", "error", err)
		return nil, fmt.Errorf("failed to query due campaigns: %w", err)
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			slog.Error("SQLiteStore ListDueScheduledCampaigns scan failed", "error", err)
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const campaignMessageColumns = `id, campaign_id, contact_id, recipient, body, status, attempts, last_error, sent_at, created_at, updated_at`

// CreateCampaignMessages bulk-inserts campaign messages in one transaction.
func (s *SQLiteStore) CreateCampaignMessages(msgs []models.CampaignMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO campaign_messages (` + campaignMessageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		var sentAt interface{}
		if m.SentAt != nil {
			sentAt = *m.SentAt
		}
		if _, err := stmt.Exec(m.ID, m.CampaignID, m.ContactID, m.Recipient, m.Body, m.Status,
			m.Attempts, nilIfEmpty(m.LastError), sentAt, m.CreatedAt, m.UpdatedAt); err != nil {
			tx.Rollback()
			slog.Error("SQLiteStore CreateCampaignMessages insert failed", "error", err, "messageID", m.ID)
			return fmt.Errorf("failed to insert campaign message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit campaign messages: %w", err)
	}
	slog.Debug("SQLiteStore CreateCampaignMessages succeeded", "count", len(msgs))
	return nil
}

// ListPendingCampaignMessages returns pending messages for a campaign, up to limit.
func (s *SQLiteStore) ListPendingCampaignMessages(campaignID string, limit int) ([]models.CampaignMessage, error) {
	rows, err := s.db.Query(`SELECT `+campaignMessageColumns+` FROM campaign_messages WHERE campaign_id = ? AND status = ? ORDER BY id LIMIT ?`,
		campaignID, models.MessageStatusPending, limit)
	if err != nil {
		slog.Error("SQLiteStore ListPendingCampaignMessages query failed", "error", err, "campaignID", campaignID)
		return nil, fmt.Errorf("failed to query pending campaign messages: %w", err)
	}
	defer rows.Close()

	var out []models.CampaignMessage
	for rows.Next() {
		m, err := scanCampaignMessage(rows)
		if err != nil {
			slog.Error("SQLiteStore ListPendingCampaignMessages scan failed", "error", err)
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateCampaignMessage replaces a campaign message record.
func (s *SQLiteStore) UpdateCampaignMessage(m models.CampaignMessage) error {
	var sentAt interface{}
	if m.SentAt != nil {
		sentAt = *m.SentAt
	}
	_, err := s.db.Exec(`UPDATE campaign_messages SET status = ?, attempts = ?, last_error = ?, sent_at = ?, updated_at = ? WHERE id = ?`,
		m.Status, m.Attempts, nilIfEmpty(m.LastError), sentAt, m.UpdatedAt, m.ID)
	if err != nil {
		slog.Error("SQLiteStore UpdateCampaignMessage failed", "error", err, "messageID", m.ID)
		return fmt.Errorf("failed to update campaign message %s: %w", m.ID, err)
	}
	return nil
}

// CountCampaignMessages counts a campaign's messages with the given status.
func (s *SQLiteStore) CountCampaignMessages(campaignID string, status models.MessageStatus) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM campaign_messages WHERE campaign_id = ? AND status = ?`, campaignID, status).Scan(&n)
	if err != nil {
		slog.Error("SQLiteStore CountCampaignMessages failed", "error", err, "campaignID", campaignID, "status", status)
		return 0, fmt.Errorf("failed to count campaign messages: %w", err)
	}
	return n, nil
}

// LatestCampaignMessageForRecipient returns the most recently sent campaign
// message for a recipient, for receipt correlation.
func (s *SQLiteStore) LatestCampaignMessageForRecipient(recipient string) (*models.CampaignMessage, error) {
	row := s.db.QueryRow(`SELECT `+campaignMessageColumns+` FROM campaign_messages WHERE recipient = ? AND sent_at IS NOT NULL ORDER BY sent_at DESC LIMIT 1`, recipient)
	m, err := scanCampaignMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LatestCampaignMessageForRecipient failed", "error", err, "recipient", recipient)
		return nil, fmt.Errorf("failed to get campaign message for recipient: %w", err)
	}
	return &m, nil
}

const deadLetterColumns = `id, scope, message_type, recipient, payload, last_error, retry_count, max_retries, next_retry_at, status, created_at, updated_at`

// AddDeadLetter inserts a new dead-letter entry.
func (s *SQLiteStore) AddDeadLetter(e models.DeadLetterEntry) error {
	_, err := s.db.Exec(`INSERT INTO dead_letters (`+deadLetterColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nilIfEmpty(e.Scope), e.MessageType, e.Recipient, nilIfEmpty(e.Payload), nilIfEmpty(e.LastError),
		e.RetryCount, e.MaxRetries, e.NextRetryAt, e.Status, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddDeadLetter failed", "error", err, "deadLetterID", e.ID)
		return fmt.Errorf("failed to insert dead letter %s: %w", e.ID, err)
	}
	slog.Debug("SQLiteStore AddDeadLetter succeeded", "deadLetterID", e.ID, "messageType", e.MessageType)
	return nil
}

// GetDeadLetter retrieves a dead-letter entry by id, returning nil when absent.
func (s *SQLiteStore) GetDeadLetter(id string) (*models.DeadLetterEntry, error) {
	row := s.db.QueryRow(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id)
	e, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetDeadLetter failed", "error", err, "deadLetterID", id)
		return nil, fmt.Errorf("failed to get dead letter %s: %w", id, err)
	}
	return &e, nil
}

// UpdateDeadLetter replaces a dead-letter entry's mutable fields.
func (s *SQLiteStore) UpdateDeadLetter(e models.DeadLetterEntry) error {
	_, err := s.db.Exec(`UPDATE dead_letters SET last_error = ?, retry_count = ?, next_retry_at = ?, status = ?, updated_at = ? WHERE id = ?`,
		nilIfEmpty(e.LastError), e.RetryCount, e.NextRetryAt, e.Status, e.UpdatedAt, e.ID)
	if err != nil {
		slog.Error("SQLiteStore UpdateDeadLetter failed", "error", err, "deadLetterID", e.ID)
		return fmt.Errorf("failed to update dead letter %s: %w", e.ID, err)
	}
	return nil
}

// ListDueDeadLetters returns retrying entries due at or before now with retries remaining.
func (s *SQLiteStore) ListDueDeadLetters(now time.Time, limit int) ([]models.DeadLetterEntry, error) {
	rows, err := s.db.Query(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE status = ? AND next_retry_at <= ? AND retry_count < max_retries ORDER BY next_retry_at ASC LIMIT ?`,
		models.DeadLetterRetrying, now, limit)
	if err != nil {
		slog.Error("SQLiteStore ListDueDeadLetters query failed", "error", err)
		return nil, fmt.Errorf("failed to query due dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			slog.Error("SQLiteStore ListDueDeadLetters scan failed", "error", err)
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetCacheEntry retrieves a cache entry by key, returning nil when absent.
func (s *SQLiteStore) GetCacheEntry(key string) (*models.CacheEntry, error) {
	var e models.CacheEntry
	err := s.db.QueryRow(`SELECT key, value, expires_at FROM cache_entries WHERE key = ?`, key).Scan(&e.Key, &e.Value, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetCacheEntry failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return &e, nil
}

// PutCacheEntry stores or replaces a cache entry.
func (s *SQLiteStore) PutCacheEntry(e models.CacheEntry) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)`, e.Key, e.Value, e.ExpiresAt)
	if err != nil {
		slog.Error("SQLiteStore PutCacheEntry failed", "error", err, "key", e.Key)
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// DeleteExpiredCacheEntries removes entries whose expiry has passed.
func (s *SQLiteStore) DeleteExpiredCacheEntries(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE expires_at <= ?`, now)
	if err != nil {
		slog.Error("SQLiteStore DeleteExpiredCacheEntries failed", "error", err)
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
