// Package deadletter manages failed outbound sends: recording them, retrying
// them on a fixed backoff schedule, and exposing operator actions.
package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/store"
)

// DefaultRetryBatchSize caps how many due entries one retry pass processes.
const DefaultRetryBatchSize = 50

// Sender delivers a retried message to its recipient.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Manager owns the dead-letter lifecycle. All state lives in the store; the
// manager itself is stateless and safe for concurrent use.
type Manager struct {
	store     store.Store
	sender    Sender
	batchSize int
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithBatchSize overrides how many due entries one ProcessRetries pass handles.
func WithBatchSize(n int) Option {
	return func(m *Manager) { m.batchSize = n }
}

// WithClock overrides the manager's time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a dead-letter manager backed by the given store and sender.
func NewManager(st store.Store, sender Sender, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		sender:    sender,
		batchSize: DefaultRetryBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add records a failed send for later retry. The first retry is scheduled one
// backoff interval out, not immediately, so a flapping transport gets room to
// recover.
func (m *Manager) Add(ctx context.Context, scope string, messageType models.DeadLetterMessageType, recipient, payload string, sendErr error) (string, error) {
	if !models.IsValidDeadLetterMessageType(messageType) {
		return "", fmt.Errorf("unknown dead letter message type: %s", messageType)
	}
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	now := m.now()
	entry := models.DeadLetterEntry{
		ID:          uuid.NewString(),
		Scope:       scope,
		MessageType: messageType,
		Recipient:   recipient,
		Payload:     payload,
		LastError:   sendErr.Error(),
		RetryCount:  0,
		MaxRetries:  models.DefaultMaxRetries,
		NextRetryAt: now.Add(models.RetryBackoff(0)),
		Status:      models.DeadLetterRetrying,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.AddDeadLetter(entry); err != nil {
		return "", fmt.Errorf("failed to record dead letter: %w", err)
	}
	slog.Info("Manager.Add: dead letter recorded", "id", entry.ID, "messageType", messageType,
		"recipient", recipient, "nextRetryAt", entry.NextRetryAt)
	return entry.ID, nil
}

// ProcessRetries resends every due entry once. A failing entry never stops
// the rest of the batch.
func (m *Manager) ProcessRetries(ctx context.Context) error {
	now := m.now()
	due, err := m.store.ListDueDeadLetters(now, m.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list due dead letters: %w", err)
	}
	for i := range due {
		if err := m.retry(ctx, &due[i]); err != nil {
			slog.Error("Manager.ProcessRetries: failed to process entry", "id", due[i].ID, "error", err)
		}
	}
	return nil
}

// retry resends a single entry and records the result.
func (m *Manager) retry(ctx context.Context, entry *models.DeadLetterEntry) error {
	sendErr := m.resend(ctx, entry)
	now := m.now()
	entry.UpdatedAt = now

	if sendErr == nil {
		entry.Status = models.DeadLetterResolved
		slog.Info("Manager.retry: dead letter resolved", "id", entry.ID, "retryCount", entry.RetryCount)
		return m.store.UpdateDeadLetter(*entry)
	}

	entry.LastError = sendErr.Error()
	if entry.RetryCount < entry.MaxRetries {
		entry.RetryCount++
	}
	if entry.Exhausted() {
		entry.Status = models.DeadLetterFailed
		slog.Error("Manager.retry: retries exhausted", "id", entry.ID, "retryCount", entry.RetryCount)
	} else {
		entry.NextRetryAt = now.Add(models.RetryBackoff(entry.RetryCount))
		slog.Info("Manager.retry: retry failed, rescheduled", "id", entry.ID,
			"retryCount", entry.RetryCount, "nextRetryAt", entry.NextRetryAt)
	}
	return m.store.UpdateDeadLetter(*entry)
}

// resend dispatches the entry to the handler for its message type. The switch
// is exhaustive; an unhandled type is a programming error surfaced as a
// normal send failure.
func (m *Manager) resend(ctx context.Context, entry *models.DeadLetterEntry) error {
	switch entry.MessageType {
	case models.DeadLetterDirectMessage:
		return m.sender.SendMessage(ctx, entry.Recipient, entry.Payload)
	case models.DeadLetterFlowMessage:
		return m.sender.SendMessage(ctx, entry.Recipient, entry.Payload)
	default:
		return fmt.Errorf("no handler for message type %s", entry.MessageType)
	}
}

// ManualRetry resets an entry's retry budget and makes it due immediately.
// Operators use this after fixing the underlying transport problem.
func (m *Manager) ManualRetry(ctx context.Context, id string) error {
	entry, err := m.store.GetDeadLetter(id)
	if err != nil {
		return fmt.Errorf("failed to load dead letter %s: %w", id, err)
	}
	if entry == nil {
		return fmt.Errorf("dead letter %s not found", id)
	}
	if entry.Status == models.DeadLetterResolved {
		return fmt.Errorf("dead letter %s already resolved", id)
	}
	now := m.now()
	entry.RetryCount = 0
	entry.Status = models.DeadLetterRetrying
	entry.NextRetryAt = now
	entry.UpdatedAt = now
	if err := m.store.UpdateDeadLetter(*entry); err != nil {
		return fmt.Errorf("failed to update dead letter %s: %w", id, err)
	}
	slog.Info("Manager.ManualRetry: entry rescheduled", "id", id)
	return nil
}

// Archive acknowledges an entry without retrying it.
func (m *Manager) Archive(ctx context.Context, id string) error {
	entry, err := m.store.GetDeadLetter(id)
	if err != nil {
		return fmt.Errorf("failed to load dead letter %s: %w", id, err)
	}
	if entry == nil {
		return fmt.Errorf("dead letter %s not found", id)
	}
	entry.Status = models.DeadLetterArchived
	entry.UpdatedAt = m.now()
	if err := m.store.UpdateDeadLetter(*entry); err != nil {
		return fmt.Errorf("failed to update dead letter %s: %w", id, err)
	}
	slog.Info("Manager.Archive: entry archived", "id", id)
	return nil
}
