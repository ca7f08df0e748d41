// Package models defines campaign types shared across modules.
package models

import "time"

// CampaignStatus represents the lifecycle state of a campaign.
type CampaignStatus string

const (
	// CampaignStatusDraft indicates the campaign has been created but not armed.
	CampaignStatusDraft CampaignStatus = "draft"
	// CampaignStatusScheduled indicates the campaign will start at ScheduledAt.
	CampaignStatusScheduled CampaignStatus = "scheduled"
	// CampaignStatusProcessing indicates the dispatcher is draining the campaign.
	CampaignStatusProcessing CampaignStatus = "processing"
	// CampaignStatusPaused indicates dispatch is suspended by an external command.
	CampaignStatusPaused CampaignStatus = "paused"
	// CampaignStatusCompleted indicates all messages were attempted.
	CampaignStatusCompleted CampaignStatus = "completed"
	// CampaignStatusFailed indicates the campaign aborted on the failure threshold.
	CampaignStatusFailed CampaignStatus = "failed"
	// CampaignStatusCancelled indicates the campaign was cancelled by an operator.
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// IsTerminal reports whether the status is one-way final.
func (s CampaignStatus) IsTerminal() bool {
	switch s {
	case CampaignStatusCompleted, CampaignStatusFailed, CampaignStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// transition. Terminal states accept no further transitions.
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case CampaignStatusDraft:
		return next == CampaignStatusScheduled || next == CampaignStatusProcessing || next == CampaignStatusCancelled
	case CampaignStatusScheduled:
		return next == CampaignStatusProcessing || next == CampaignStatusCancelled
	case CampaignStatusProcessing:
		return next == CampaignStatusPaused || next.IsTerminal()
	case CampaignStatusPaused:
		return next == CampaignStatusProcessing || next == CampaignStatusCancelled
	default:
		return false
	}
}

// AudienceKind selects how a campaign resolves its recipient set.
type AudienceKind string

const (
	// AudienceAll targets every opted-in, verified contact.
	AudienceAll AudienceKind = "all"
	// AudienceFiltered targets contacts matching tag/custom-field filters.
	AudienceFiltered AudienceKind = "filtered"
	// AudienceSpecific targets an explicit list of contact ids.
	AudienceSpecific AudienceKind = "specific"
)

// AudienceSpec describes a campaign's recipient selection. Whatever the
// kind, the resolved set is always intersected with opted-in+verified.
type AudienceSpec struct {
	Kind         AudienceKind      `json:"kind"`
	Tags         []string          `json:"tags,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
	ContactIDs   []string          `json:"contact_ids,omitempty"`
}

// Validate checks the audience kind is known.
func (a *AudienceSpec) Validate() error {
	switch a.Kind {
	case AudienceAll, AudienceFiltered, AudienceSpecific:
		return nil
	default:
		return ErrInvalidAudienceKind
	}
}

// Matches reports whether the contact satisfies the audience selection,
// ignoring the opted-in/verified intersection which is applied separately.
func (a *AudienceSpec) Matches(c *Contact) bool {
	switch a.Kind {
	case AudienceAll:
		return true
	case AudienceSpecific:
		for _, id := range a.ContactIDs {
			if id == c.ID {
				return true
			}
		}
		return false
	case AudienceFiltered:
		if len(a.Tags) > 0 && !tagOverlap(a.Tags, c.Tags) {
			return false
		}
		for k, v := range a.CustomFields {
			if c.CustomFields[k] != v {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func tagOverlap(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

// Campaign is a bulk outbound messaging run against a resolved recipient set.
type Campaign struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Status           CampaignStatus `json:"status"`
	TemplateBody     string         `json:"template_body"`
	Audience         AudienceSpec   `json:"audience"`
	RateLimit        int            `json:"rate_limit"`        // messages per second, 1-100
	FailureThreshold float64        `json:"failure_threshold"` // abort ratio, e.g. 0.3
	ScheduledAt      *time.Time     `json:"scheduled_at,omitempty"`
	SentCount        int            `json:"sent_count"`
	DeliveredCount   int            `json:"delivered_count"`
	ReadCount        int            `json:"read_count"`
	FailedCount      int            `json:"failed_count"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Validate performs structural validation on a Campaign.
func (c *Campaign) Validate() error {
	if c.TemplateBody == "" {
		return ErrEmptyBody
	}
	if len(c.TemplateBody) > MaxMessageBodyLength {
		return ErrBodyTooLong
	}
	if c.RateLimit < MinRateLimit || c.RateLimit > MaxRateLimit {
		return ErrInvalidRateLimit
	}
	return c.Audience.Validate()
}

// CampaignMessage is one materialized send for one recipient of a campaign.
// Status transitions are driven only by the dispatcher and by inbound
// delivery receipts.
type CampaignMessage struct {
	ID         string        `json:"id"`
	CampaignID string        `json:"campaign_id"`
	ContactID  string        `json:"contact_id"`
	Recipient  string        `json:"recipient"`
	Body       string        `json:"body"`
	Status     MessageStatus `json:"status"`
	Attempts   int           `json:"attempts"`
	LastError  string        `json:"last_error,omitempty"`
	SentAt     *time.Time    `json:"sent_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
