// Package campaign implements bulk outbound dispatch: audience resolution,
// message materialization and rate-limited, failure-aware sending.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/chatweave/chatweave/internal/flow"
	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/store"
)

const (
	// DefaultBatchSize is how many pending messages one dispatch batch claims.
	DefaultBatchSize = 100
	// DefaultFailureThreshold aborts a campaign when the failure ratio passes it.
	DefaultFailureThreshold = 0.3
	// FailureMinSample is the minimum attempted sends before the failure
	// threshold is consulted, so one early bounce cannot kill a campaign.
	FailureMinSample = 10
)

// sendRetryDelays is the short in-line backoff applied to transient send
// failures before a message is marked failed.
var sendRetryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Sender delivers one campaign message to a canonical recipient.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Dispatcher drains campaigns against the messaging transport.
type Dispatcher struct {
	store            store.Store
	sender           Sender
	batchSize        int
	retryDelays      []time.Duration
	defaultThreshold float64
	now              func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBatchSize overrides the per-batch message claim size.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) { d.batchSize = n }
}

// WithRetryDelays overrides the in-line send retry schedule for tests.
func WithRetryDelays(delays []time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelays = delays }
}

// WithClock overrides the dispatcher's time source for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithFailureThreshold overrides the abort ratio used when a campaign does
// not declare its own.
func WithFailureThreshold(ratio float64) Option {
	return func(d *Dispatcher) { d.defaultThreshold = ratio }
}

// NewDispatcher creates a campaign dispatcher backed by the given store and sender.
func NewDispatcher(st store.Store, sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:            st,
		sender:           sender,
		batchSize:        DefaultBatchSize,
		retryDelays:      sendRetryDelays,
		defaultThreshold: DefaultFailureThreshold,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start resolves the campaign's audience, materializes one message per
// recipient and moves the campaign to processing. The audience is always
// intersected with opted-in, verified contacts; there is no override.
func (d *Dispatcher) Start(ctx context.Context, campaignID string) error {
	c, err := d.loadCampaign(campaignID)
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("campaign %s invalid: %w", campaignID, err)
	}
	if !c.Status.CanTransitionTo(models.CampaignStatusProcessing) {
		return fmt.Errorf("campaign %s in status %s: %w", campaignID, c.Status, models.ErrInvalidTransition)
	}

	sendable, err := d.store.ListSendableContacts()
	if err != nil {
		return fmt.Errorf("failed to resolve audience: %w", err)
	}
	now := d.now()
	var msgs []models.CampaignMessage
	for i := range sendable {
		contact := &sendable[i]
		if !c.Audience.Matches(contact) {
			continue
		}
		msgs = append(msgs, models.CampaignMessage{
			ID:         uuid.NewString(),
			CampaignID: c.ID,
			ContactID:  contact.ID,
			Recipient:  contact.Phone,
			Body:       flow.Interpolate(c.TemplateBody, contactVars(contact)),
			Status:     models.MessageStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	if len(msgs) == 0 {
		slog.Info("Dispatcher.Start: campaign has no eligible recipients", "campaignID", campaignID)
		if err := d.store.UpdateCampaignStatus(campaignID, models.CampaignStatusProcessing); err != nil {
			return fmt.Errorf("failed to update campaign status: %w", err)
		}
		return d.store.UpdateCampaignStatus(campaignID, models.CampaignStatusCompleted)
	}
	if err := d.store.CreateCampaignMessages(msgs); err != nil {
		return fmt.Errorf("failed to materialize campaign messages: %w", err)
	}
	if err := d.store.UpdateCampaignStatus(campaignID, models.CampaignStatusProcessing); err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	slog.Info("Dispatcher.Start: campaign started", "campaignID", campaignID, "recipients", len(msgs))
	return nil
}

// Process drains the campaign's pending messages in batches. It stops cleanly
// when the campaign leaves the processing state, aborts on the failure
// threshold, and marks the campaign completed when the queue is empty.
func (d *Dispatcher) Process(ctx context.Context, campaignID string) error {
	c, err := d.loadCampaign(campaignID)
	if err != nil {
		return err
	}
	limiter := rate.NewLimiter(rate.Limit(c.RateLimit), 1)

	for {
		// Reload between batches so pause and cancel commands take effect.
		c, err = d.loadCampaign(campaignID)
		if err != nil {
			return err
		}
		if c.Status != models.CampaignStatusProcessing {
			slog.Info("Dispatcher.Process: campaign no longer processing, stopping",
				"campaignID", campaignID, "status", c.Status)
			return nil
		}

		batch, err := d.store.ListPendingCampaignMessages(campaignID, d.batchSize)
		if err != nil {
			return fmt.Errorf("failed to list pending messages: %w", err)
		}
		if len(batch) == 0 {
			if err := d.store.UpdateCampaignStatus(campaignID, models.CampaignStatusCompleted); err != nil {
				return fmt.Errorf("failed to complete campaign: %w", err)
			}
			slog.Info("Dispatcher.Process: campaign completed", "campaignID", campaignID,
				"sent", c.SentCount, "failed", c.FailedCount)
			return nil
		}

		sent, failed := c.SentCount, c.FailedCount
		for i := range batch {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			if d.dispatchOne(ctx, &batch[i]) {
				sent++
			} else {
				failed++
			}
			if d.thresholdExceeded(c, sent, failed) {
				slog.Error("Dispatcher.Process: failure threshold exceeded, aborting",
					"campaignID", campaignID, "sent", sent, "failed", failed)
				if err := d.store.UpdateCampaignStatus(campaignID, models.CampaignStatusFailed); err != nil {
					return fmt.Errorf("failed to mark campaign failed: %w", err)
				}
				return nil
			}
		}
	}
}

// dispatchOne attempts a single message with short in-line retries and
// records the result. Returns true on success. Campaign failures are final
// for the message; they are intentionally not handed to the dead-letter
// queue, which handles conversational sends only.
func (d *Dispatcher) dispatchOne(ctx context.Context, m *models.CampaignMessage) bool {
	var sendErr error
	for attempt := 0; ; attempt++ {
		m.Attempts++
		sendErr = d.sender.SendMessage(ctx, m.Recipient, m.Body)
		if sendErr == nil || attempt >= len(d.retryDelays) {
			break
		}
		slog.Error("Dispatcher.dispatchOne: send attempt failed, retrying", "messageID", m.ID,
			"recipient", m.Recipient, "attempt", m.Attempts, "error", sendErr)
		select {
		case <-ctx.Done():
			sendErr = ctx.Err()
		case <-time.After(d.retryDelays[attempt]):
			continue
		}
		break
	}

	now := d.now()
	m.UpdatedAt = now
	if sendErr == nil {
		m.Status = models.MessageStatusSent
		m.SentAt = &now
		m.LastError = ""
	} else {
		m.Status = models.MessageStatusFailed
		m.LastError = sendErr.Error()
	}
	if err := d.store.UpdateCampaignMessage(*m); err != nil {
		slog.Error("Dispatcher.dispatchOne: failed to persist message state", "messageID", m.ID, "error", err)
	}
	var dSent, dFailed int
	if sendErr == nil {
		dSent = 1
	} else {
		dFailed = 1
	}
	if err := d.store.AddCampaignCounts(m.CampaignID, dSent, 0, 0, dFailed); err != nil {
		slog.Error("Dispatcher.dispatchOne: failed to update campaign counts", "campaignID", m.CampaignID, "error", err)
	}
	return sendErr == nil
}

// thresholdExceeded applies the campaign's failure ratio once enough sends
// have been attempted to make the ratio meaningful.
func (d *Dispatcher) thresholdExceeded(c *models.Campaign, sent, failed int) bool {
	attempted := sent + failed
	if attempted < FailureMinSample {
		return false
	}
	threshold := c.FailureThreshold
	if threshold <= 0 {
		threshold = d.defaultThreshold
	}
	return float64(failed)/float64(attempted) > threshold
}

// Pause suspends a processing campaign between batches.
func (d *Dispatcher) Pause(campaignID string) error {
	return d.transition(campaignID, models.CampaignStatusPaused)
}

// Resume moves a paused campaign back to processing. The caller restarts
// Process to continue draining; already-sent messages are never re-sent.
func (d *Dispatcher) Resume(campaignID string) error {
	return d.transition(campaignID, models.CampaignStatusProcessing)
}

// Cancel terminally stops a campaign. Pending messages stay pending and are
// never claimed again.
func (d *Dispatcher) Cancel(campaignID string) error {
	return d.transition(campaignID, models.CampaignStatusCancelled)
}

func (d *Dispatcher) transition(campaignID string, next models.CampaignStatus) error {
	c, err := d.loadCampaign(campaignID)
	if err != nil {
		return err
	}
	if !c.Status.CanTransitionTo(next) {
		return fmt.Errorf("campaign %s: %s to %s: %w", campaignID, c.Status, next, models.ErrInvalidTransition)
	}
	if err := d.store.UpdateCampaignStatus(campaignID, next); err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	slog.Info("Dispatcher.transition: campaign status changed", "campaignID", campaignID,
		"from", c.Status, "to", next)
	return nil
}

func (d *Dispatcher) loadCampaign(campaignID string) (*models.Campaign, error) {
	c, err := d.store.GetCampaign(campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign %s: %w", campaignID, err)
	}
	if c == nil {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}
	return c, nil
}

// contactVars builds the per-recipient template variables. Contact custom
// fields are available alongside the built-in name and phone.
func contactVars(c *models.Contact) map[string]string {
	vars := make(map[string]string, len(c.CustomFields)+2)
	for k, v := range c.CustomFields {
		vars[k] = v
	}
	vars["name"] = c.Name
	vars["phone"] = c.Phone
	return vars
}
