package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chatweave/chatweave/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSONField encodes v as JSON, returning "" for nil maps/slices so the
// column stays NULL.
func marshalJSONField(v interface{}) (string, error) {
	switch t := v.(type) {
	case map[string]string:
		if len(t) == 0 {
			return "", nil
		}
	case []string:
		if len(t) == 0 {
			return "", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// scanConversation scans a ConversationContext row.
func scanConversation(sc rowScanner) (models.ConversationContext, error) {
	var c models.ConversationContext
	var currentNode, waitingFor, variables, history sql.NullString
	var resumeAt sql.NullTime
	err := sc.Scan(
		&c.ConversationID, &c.FlowID, &c.ContactID, &currentNode, &waitingFor,
		&variables, &history, &resumeAt, &c.HumanHandled, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	c.CurrentNodeID = currentNode.String
	c.WaitingFor = waitingFor.String
	if resumeAt.Valid {
		t := resumeAt.Time
		c.ResumeAt = &t
	}
	if variables.String != "" {
		if err := json.Unmarshal([]byte(variables.String), &c.Variables); err != nil {
			return c, fmt.Errorf("decode conversation variables: %w", err)
		}
	}
	if history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &c.FlowHistory); err != nil {
			return c, fmt.Errorf("decode conversation flow history: %w", err)
		}
	}
	return c, nil
}

// scanContact scans a Contact row.
func scanContact(sc rowScanner) (models.Contact, error) {
	var c models.Contact
	var name, tags, customFields sql.NullString
	err := sc.Scan(&c.ID, &c.Phone, &name, &tags, &customFields, &c.OptedIn, &c.Verified, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.Name = name.String
	if tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &c.Tags); err != nil {
			return c, fmt.Errorf("decode contact tags: %w", err)
		}
	}
	if customFields.String != "" {
		if err := json.Unmarshal([]byte(customFields.String), &c.CustomFields); err != nil {
			return c, fmt.Errorf("decode contact custom fields: %w", err)
		}
	}
	return c, nil
}

// scanCampaign scans a Campaign row.
func scanCampaign(sc rowScanner) (models.Campaign, error) {
	var c models.Campaign
	var name, audience sql.NullString
	var scheduledAt sql.NullTime
	err := sc.Scan(
		&c.ID, &name, &c.Status, &c.TemplateBody, &audience, &c.RateLimit,
		&c.FailureThreshold, &scheduledAt, &c.SentCount, &c.DeliveredCount,
		&c.ReadCount, &c.FailedCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	c.Name = name.String
	if scheduledAt.Valid {
		t := scheduledAt.Time
		c.ScheduledAt = &t
	}
	if audience.String != "" {
		if err := json.Unmarshal([]byte(audience.String), &c.Audience); err != nil {
			return c, fmt.Errorf("decode campaign audience: %w", err)
		}
	}
	return c, nil
}

// scanCampaignMessage scans a CampaignMessage row.
func scanCampaignMessage(sc rowScanner) (models.CampaignMessage, error) {
	var m models.CampaignMessage
	var lastError sql.NullString
	var sentAt sql.NullTime
	err := sc.Scan(
		&m.ID, &m.CampaignID, &m.ContactID, &m.Recipient, &m.Body, &m.Status,
		&m.Attempts, &lastError, &sentAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, err
	}
	m.LastError = lastError.String
	if sentAt.Valid {
		t := sentAt.Time
		m.SentAt = &t
	}
	return m, nil
}

// scanDeadLetter scans a DeadLetterEntry row.
func scanDeadLetter(sc rowScanner) (models.DeadLetterEntry, error) {
	var e models.DeadLetterEntry
	var scope, payload, lastError sql.NullString
	err := sc.Scan(
		&e.ID, &scope, &e.MessageType, &e.Recipient, &payload, &lastError,
		&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.Status, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return e, err
	}
	e.Scope = scope.String
	e.Payload = payload.String
	e.LastError = lastError.String
	return e, nil
}
