// Package store provides storage backends for ChatWeave.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/chatweave/chatweave/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on top of a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// SaveFlow stores or replaces a flow graph definition.
func (s *PostgresStore) SaveFlow(g models.FlowGraph) error {
	definition, err := json.Marshal(g)
	if err != nil {
		slog.Error("PostgresStore SaveFlow marshal failed", "error", err, "flowID", g.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO flows (id, name, definition, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at`,
		g.ID, nilIfEmpty(g.Name), string(definition), g.CreatedAt, g.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "flowID", g.ID)
		return fmt.Errorf("failed to save flow %s: %w", g.ID, err)
	}
	return nil
}

// GetFlow retrieves a flow graph by id, returning nil when absent.
func (s *PostgresStore) GetFlow(id string) (*models.FlowGraph, error) {
	var definition string
	err := s.db.QueryRow(`SELECT definition FROM flows WHERE id = $1`, id).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlow failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	var g models.FlowGraph
	if err := json.Unmarshal([]byte(definition), &g); err != nil {
		slog.Error("PostgresStore GetFlow unmarshal failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to decode flow %s: %w", id, err)
	}
	return &g, nil
}

// GetConversation retrieves a conversation context by id, returning nil when absent.
func (s *PostgresStore) GetConversation(id string) (*models.ConversationContext, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE conversation_id = $1`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversation failed", "error", err, "conversationID", id)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &c, nil
}

// GetConversationByContact retrieves the conversation context for a contact.
func (s *PostgresStore) GetConversationByContact(contactID string) (*models.ConversationContext, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE contact_id = $1 ORDER BY created_at DESC LIMIT 1`, contactID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversationByContact failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("failed to get conversation for contact %s: %w", contactID, err)
	}
	return &c, nil
}

// SaveConversation stores or updates a conversation context.
func (s *PostgresStore) SaveConversation(c models.ConversationContext) error {
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
	_, err = s.db.Exec(`INSERT INTO conversations (`+conversationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (conversation_id) DO UPDATE SET
			flow_id = EXCLUDED.flow_id, current_node_id = EXCLUDED.current_node_id,
			waiting_for = EXCLUDED.waiting_for, variables = EXCLUDED.variables,
			flow_history = EXCLUDED.flow_history, resume_at = EXCLUDED.resume_at,
			human_handled = EXCLUDED.human_handled, updated_at = EXCLUDED.updated_at`,
		c.ConversationID, c.FlowID, c.ContactID, nilIfEmpty(c.CurrentNodeID), nilIfEmpty(c.WaitingFor),
		nilIfEmpty(variables), nilIfEmpty(history), resumeAt, c.HumanHandled, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveConversation failed", "error", err, "conversationID", c.ConversationID)
		return fmt.Errorf("failed to save conversation %s: %w", c.ConversationID, err)
	}
	slog.Debug("PostgresStore SaveConversation succeeded", "conversationID", c.ConversationID, "currentNodeID", c.CurrentNodeID)
	return nil
}

// ListResumableConversations returns suspended conversations due at or before now.
func (s *PostgresStore) ListResumableConversations(now time.Time, limit int) ([]models.ConversationContext, error) {
	rows, err := s.db.Query(`SELECT `+conversationColumns+` FROM conversations WHERE resume_at IS NOT NULL AND resume_at <= $1 ORDER BY resume_at ASC LIMIT $2`, now, limit)
	if err != nil {
		slog.Error("PostgresStore ListResumableConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query resumable conversations: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationContext
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			slog.Error("PostgresStore ListResumableConversations scan failed", "error", err)
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveContact stores or replaces a contact.
func (s *PostgresStore) SaveContact(c models.Contact) error {
	tags, err := marshalJSONField(c.Tags)
	if err != nil {
		return fmt.Errorf("encode contact tags: %w", err)
	}
	customFields, err := marshalJSONField(c.CustomFields)
	if err != nil {
		return fmt.Errorf("encode contact custom fields: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO contacts (`+contactColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			phone = EXCLUDED.phone, name = EXCLUDED.name, tags = EXCLUDED.tags,
			custom_fields = EXCLUDED.custom_fields, opted_in = EXCLUDED.opted_in,
			verified = EXCLUDED.verified, updated_at = EXCLUDED.updated_at`,
		c.ID, c.Phone, nilIfEmpty(c.Name), nilIfEmpty(tags), nilIfEmpty(customFields), c.OptedIn, c.Verified, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveContact failed", "error", err, "contactID", c.ID)
		return fmt.Errorf("failed to save contact %s: %w", c.ID, err)
	}
	return nil
}

// GetContact retrieves a contact by id, returning nil when absent.
func (s *PostgresStore) GetContact(id string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetContact failed", "error", err, "contactID", id)
		return nil, fmt.Errorf("failed to get contact %s: %w", id, err)
	}
	return &c, nil
}

// GetContactByPhone retrieves a contact by phone number, returning nil when absent.
func (s *PostgresStore) GetContactByPhone(phone string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE phone = $1`, phone)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetContactByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get contact by phone: %w", err)
	}
	return &c, nil
}

// ListSendableContacts returns contacts that are both opted in and verified.
func (s *PostgresStore) ListSendableContacts() ([]models.Contact, error) {
	rows, err := s.db.Query(`SELECT ` + contactColumns + ` FROM contacts WHERE opted_in = TRUE AND verified = TRUE ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore ListSendableContacts query failed", "error", err)
		return nil, fmt.Errorf("failed to query sendable contacts: %w", err)
	}
	defer rows.Close()

	var out []models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			slog.Error("PostgresStore ListSendableContacts scan failed", "error", err)
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveCampaign stores or replaces a campaign.
func (s *PostgresStore) SaveCampaign(c models.Campaign) error {
	audience, err := json.Marshal(c.Audience)
	if err != nil {
		return fmt.Errorf("encode campaign audience: %w", err)
	}
	var scheduledAt interface{}
	if c.ScheduledAt != nil {
		scheduledAt = *c.ScheduledAt
	}
	_, err = s.db.Exec(`INSERT INTO campaigns (`+campaignColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, status = EXCLUDED.status, template_body = EXCLUDED.template_body,
			audience = EXCLUDED.audience, rate_limit = EXCLUDED.rate_limit,
			failure_threshold = EXCLUDED.failure_threshold, scheduled_at = EXCLUDED.scheduled_at,
			sent_count = EXCLUDED.sent_count, delivered_count = EXCLUDED.delivered_count,
			read_count = EXCLUDED.read_count, failed_count = EXCLUDED.failed_count,
			updated_at = EXCLUDED.updated_at`,
		c.ID, nilIfEmpty(c.Name), c.Status, c.TemplateBody, string(audience), c.RateLimit, c.FailureThreshold,
		scheduledAt, c.SentCount, c.DeliveredCount, c.ReadCount, c.FailedCount, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveCampaign failed", "error", err, "campaignID", c.ID)
		return fmt.Errorf("failed to save campaign %s: %w", c.ID, err)
	}
	return nil
}

// GetCampaign retrieves a campaign by id, returning nil when absent.
func (s *PostgresStore) GetCampaign(id string) (*models.Campaign, error) {
	row := s.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetCampaign failed", "error", err, "campaignID", id)
		return nil, fmt.Errorf("failed to get campaign %s: %w", id, err)
	}
	return &c, nil
}

// UpdateCampaignStatus sets a campaign's status.
func (s *PostgresStore) UpdateCampaignStatus(id string, status models.CampaignStatus) error {
	_, err := s.db.Exec(`UPDATE campaigns SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore UpdateCampaignStatus failed", "error", err, "campaignID", id, "status", status)
		return fmt.Errorf("failed to update campaign %s status: %w", id, err)
	}
	slog.Debug("PostgresStore UpdateCampaignStatus succeeded", "campaignID", id, "status", status)
	return nil
}

// AddCampaignCounts increments campaign counters by the given deltas.
func (s *PostgresStore) AddCampaignCounts(id string, sent, delivered, read, failed int) error {
	_, err := s.db.Exec(`UPDATE campaigns SET sent_count = sent_count + $1, delivered_count = delivered_count + $2, read_count = read_count + $3, failed_count = failed_count + $4, updated_at = $5 WHERE id = $6`,
		sent, delivered, read, failed, time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore AddCampaignCounts failed", "error", err, "campaignID", id)
		return fmt.Errorf("failed to update campaign %s counters: %w", id, err)
	}
	return nil
}

// ListDueScheduledCampaigns returns scheduled campaigns due at or before now.
func (s *PostgresStore) ListDueScheduledCampaigns(now time.Time, limit int) ([]models.Campaign, error) {
	rows, err := s.db.Query(`SELECT `+campaignColumns+` FROM campaigns WHERE status = $1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2 ORDER BY scheduled_at ASC LIMIT $3`,
		models.CampaignStatusScheduled, now, limit)
	if err != nil {
		slog.Error("PostgresStore ListDueScheduledCampaigns query failed", "error", err)
		return nil, fmt.Errorf("failed to query due campaigns: %w", err)
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			slog.Error("PostgresStore ListDueScheduledCampaigns scan failed", "error", err)
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateCampaignMessages bulk-inserts campaign messages in one transaction.
func (s *PostgresStore) CreateCampaignMessages(msgs []models.CampaignMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO campaign_messages (` + campaignMessageColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
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
			slog.Error("PostgresStore CreateCampaignMessages insert failed", "error", err, "messageID", m.ID)
			return fmt.Errorf("failed to insert campaign message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit campaign messages: %w", err)
	}
	slog.Debug("PostgresStore CreateCampaignMessages succeeded", "count", len(msgs))
	return nil
}

// ListPendingCampaignMessages returns pending messages for a campaign, up to limit.
func (s *PostgresStore) ListPendingCampaignMessages(campaignID string, limit int) ([]models.CampaignMessage, error) {
	rows, err := s.db.Query(`SELECT `+campaignMessageColumns+` FROM campaign_messages WHERE campaign_id = $1 AND status = $2 ORDER BY id LIMIT $3`,
		campaignID, models.MessageStatusPending, limit)
	if err != nil {
		slog.Error("PostgresStore ListPendingCampaignMessages query failed", "error", err, "campaignID", campaignID)
		return nil, fmt.Errorf("failed to query pending campaign messages: %w", err)
	}
	defer rows.Close()

	var out []models.CampaignMessage
	for rows.Next() {
		m, err := scanCampaignMessage(rows)
		if err != nil {
			slog.Error("PostgresStore ListPendingCampaignMessages scan failed", "error", err)
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateCampaignMessage replaces a campaign message record.
func (s *PostgresStore) UpdateCampaignMessage(m models.CampaignMessage) error {
	var sentAt interface{}
	if m.SentAt != nil {
		sentAt = *m.SentAt
	}
	_, err := s.db.Exec(`UPDATE campaign_messages SET status = $1, attempts = $2, last_error = $3, sent_at = $4, updated_at = $5 WHERE id = $6`,
		m.Status, m.Attempts, nilIfEmpty(m.LastError), sentAt, m.UpdatedAt, m.ID)
	if err != nil {
		slog.Error("PostgresStore UpdateCampaignMessage failed", "error", err, "messageID", m.ID)
		return fmt.Errorf("failed to update campaign message %s: %w", m.ID, err)
	}
	return nil
}

// CountCampaignMessages counts a campaign's messages with the given status.
func (s *PostgresStore) CountCampaignMessages(campaignID string, status models.MessageStatus) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM campaign_messages WHERE campaign_id = $1 AND status = $2`, campaignID, status).Scan(&n)
	if err != nil {
		slog.Error("PostgresStore CountCampaignMessages failed", "error", err, "campaignID", campaignID, "status", status)
		return 0, fmt.Errorf("failed to count campaign messages: %w", err)
	}
	return n, nil
}

// LatestCampaignMessageForRecipient returns the most recently sent campaign
// message for a recipient, for receipt correlation.
func (s *PostgresStore) LatestCampaignMessageForRecipient(recipient string) (*models.CampaignMessage, error) {
	row := s.db.QueryRow(`SELECT `+campaignMessageColumns+` FROM campaign_messages WHERE recipient = $1 AND sent_at IS NOT NULL ORDER BY sent_at DESC LIMIT 1`, recipient)
	m, err := scanCampaignMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LatestCampaignMessageForRecipient failed", "error", err, "recipient", recipient)
		return nil, fmt.Errorf("failed to get campaign message for recipient: %w", err)
	}
	return &m, nil
}

// AddDeadLetter inserts a new dead-letter entry.
func (s *PostgresStore) AddDeadLetter(e models.DeadLetterEntry) error {
	_, err := s.db.Exec(`INSERT INTO dead_letters (`+deadLetterColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, nilIfEmpty(e.Scope), e.MessageType, e.Recipient, nilIfEmpty(e.Payload), nilIfEmpty(e.LastError),
		e.RetryCount, e.MaxRetries, e.NextRetryAt, e.Status, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore AddDeadLetter failed", "error", err, "deadLetterID", e.ID)
		return fmt.Errorf("failed to insert dead letter %s: %w", e.ID, err)
	}
	slog.Debug("PostgresStore AddDeadLetter succeeded", "deadLetterID", e.ID, "messageType", e.MessageType)
	return nil
}

// GetDeadLetter retrieves a dead-letter entry by id, returning nil when absent.
func (s *PostgresStore) GetDeadLetter(id string) (*models.DeadLetterEntry, error) {
	row := s.db.QueryRow(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id)
	e, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetDeadLetter failed", "error", err, "deadLetterID", id)
		return nil, fmt.Errorf("failed to get dead letter %s: %w", id, err)
	}
	return &e, nil
}

// UpdateDeadLetter replaces a dead-letter entry's mutable fields.
func (s *PostgresStore) UpdateDeadLetter(e models.DeadLetterEntry) error {
	_, err := s.db.Exec(`UPDATE dead_letters SET last_error = $1, retry_count = $2, next_retry_at = $3, status = $4, updated_at = $5 WHERE id = $6`,
		nilIfEmpty(e.LastError), e.RetryCount, e.NextRetryAt, e.Status, e.UpdatedAt, e.ID)
	if err != nil {
		slog.Error("PostgresStore UpdateDeadLetter failed", "error", err, "deadLetterID", e.ID)
		return fmt.Errorf("failed to update dead letter %s: %w", e.ID, err)
	}
	return nil
}

// ListDueDeadLetters returns retrying entries due at or before now with retries remaining.
func (s *PostgresStore) ListDueDeadLetters(now time.Time, limit int) ([]models.DeadLetterEntry, error) {
	rows, err := s.db.Query(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE status = $1 AND next_retry_at <= $2 AND retry_count < max_retries ORDER BY next_retry_at ASC LIMIT $3`,
		models.DeadLetterRetrying, now, limit)
	if err != nil {
		slog.Error("PostgresStore ListDueDeadLetters query failed", "error", err)
		return nil, fmt.Errorf("failed to query due dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			slog.Error("PostgresStore ListDueDeadLetters scan failed", "error", err)
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetCacheEntry retrieves a cache entry by key, returning nil when absent.
func (s *PostgresStore) GetCacheEntry(key string) (*models.CacheEntry, error) {
	var e models.CacheEntry
	err := s.db.QueryRow(`SELECT key, value, expires_at FROM cache_entries WHERE key = $1`, key).Scan(&e.Key, &e.Value, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetCacheEntry failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return &e, nil
}

// PutCacheEntry stores or replaces a cache entry.
func (s *PostgresStore) PutCacheEntry(e models.CacheEntry) error {
	_, err := s.db.Exec(`INSERT INTO cache_entries (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		e.Key, e.Value, e.ExpiresAt)
	if err != nil {
		slog.Error("PostgresStore PutCacheEntry failed", "error", err, "key", e.Key)
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// DeleteExpiredCacheEntries removes entries whose expiry has passed.
func (s *PostgresStore) DeleteExpiredCacheEntries(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE expires_at <= $1`, now)
	if err != nil {
		slog.Error("PostgresStore DeleteExpiredCacheEntries failed", "error", err)
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
