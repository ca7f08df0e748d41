package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/store"
)

type fakeSender struct {
	fail  bool
	sent  []string
	calls int
}

func (f *fakeSender) SendMessage(ctx context.Context, to, body string) error {
	f.calls++
	if f.fail {
		return errors.New("transport down")
	}
	f.sent = append(f.sent, body)
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAddSchedulesFirstRetry(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(st, &fakeSender{}, WithClock(fixedClock(now)))

	id, err := m.Add(context.Background(), "conv-1", models.DeadLetterFlowMessage, "+1555", "hello", errors.New("timeout"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, _ := st.GetDeadLetter(id)
	if entry == nil {
		t.Fatal("entry not persisted")
	}
	if entry.Status != models.DeadLetterRetrying || entry.RetryCount != 0 {
		t.Errorf("new entry must be retrying with zero count, got %+v", entry)
	}
	want := now.Add(models.RetryBackoff(0))
	if !entry.NextRetryAt.Equal(want) {
		t.Errorf("nextRetryAt = %v, want %v", entry.NextRetryAt, want)
	}
}

func TestAddRejectsUnknownType(t *testing.T) {
	m := NewManager(store.NewInMemoryStore(), &fakeSender{})
	if _, err := m.Add(context.Background(), "s", "carrier_pigeon", "+1", "x", errors.New("e")); err == nil {
		t.Error("expected error for unknown message type")
	}
}

func TestProcessRetriesResolvesOnSuccess(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Now()
	sender := &fakeSender{}
	m := NewManager(st, sender, WithClock(fixedClock(now)))

	st.AddDeadLetter(models.DeadLetterEntry{
		ID: "d1", MessageType: models.DeadLetterDirectMessage, Recipient: "+1555",
		Payload: "hi again", RetryCount: 1, MaxRetries: 3,
		NextRetryAt: now.Add(-time.Minute), Status: models.DeadLetterRetrying,
	})

	if err := m.ProcessRetries(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, _ := st.GetDeadLetter("d1")
	if entry.Status != models.DeadLetterResolved {
		t.Errorf("expected resolved, got %s", entry.Status)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "hi again" {
		t.Errorf("payload not resent: %v", sender.sent)
	}
}

func TestProcessRetriesBackoffAndExhaustion(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sender := &fakeSender{fail: true}
	m := NewManager(st, sender, WithClock(fixedClock(now)))

	st.AddDeadLetter(models.DeadLetterEntry{
		ID: "d1", MessageType: models.DeadLetterFlowMessage, Recipient: "+1555",
		Payload: "x", RetryCount: 0, MaxRetries: 3,
		NextRetryAt: now.Add(-time.Second), Status: models.DeadLetterRetrying,
	})

	var prev time.Time
	for attempt := 1; attempt <= 3; attempt++ {
		// Each pass finds the entry due again.
		entry, _ := st.GetDeadLetter("d1")
		entry.NextRetryAt = now.Add(-time.Second)
		st.UpdateDeadLetter(*entry)

		if err := m.ProcessRetries(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		entry, _ = st.GetDeadLetter("d1")
		if entry.RetryCount != attempt {
			t.Fatalf("attempt %d: retryCount = %d", attempt, entry.RetryCount)
		}
		if entry.RetryCount > entry.MaxRetries {
			t.Fatal("retryCount must never exceed maxRetries")
		}
		if attempt < 3 {
			if entry.Status != models.DeadLetterRetrying {
				t.Fatalf("attempt %d: expected retrying, got %s", attempt, entry.Status)
			}
			if !prev.IsZero() && entry.NextRetryAt.Before(prev) {
				t.Fatal("nextRetryAt must be non-decreasing across failures")
			}
			prev = entry.NextRetryAt
		} else {
			if entry.Status != models.DeadLetterFailed {
				t.Fatalf("expected failed after exhausting retries, got %s", entry.Status)
			}
		}
	}

	// Failed entries are no longer picked up.
	calls := sender.calls
	if err := m.ProcessRetries(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.calls != calls {
		t.Error("failed entry must not be retried again")
	}
}

func TestManualRetryResetsBudget(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(st, &fakeSender{}, WithClock(fixedClock(now)))

	st.AddDeadLetter(models.DeadLetterEntry{
		ID: "d1", MessageType: models.DeadLetterDirectMessage, Recipient: "+1",
		Payload: "x", RetryCount: 3, MaxRetries: 3,
		NextRetryAt: now.Add(24 * time.Hour), Status: models.DeadLetterFailed,
	})

	if err := m.ManualRetry(context.Background(), "d1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, _ := st.GetDeadLetter("d1")
	if entry.RetryCount != 0 || entry.Status != models.DeadLetterRetrying {
		t.Errorf("manual retry must reset the budget, got %+v", entry)
	}
	if !entry.NextRetryAt.Equal(now) {
		t.Errorf("manual retry must be due immediately, got %v", entry.NextRetryAt)
	}

	if err := m.ManualRetry(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown id")
	}
}

func TestArchive(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewManager(st, &fakeSender{})
	st.AddDeadLetter(models.DeadLetterEntry{
		ID: "d1", MessageType: models.DeadLetterDirectMessage, Recipient: "+1",
		Payload: "x", MaxRetries: 3, Status: models.DeadLetterFailed,
	})
	if err := m.Archive(context.Background(), "d1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, _ := st.GetDeadLetter("d1")
	if entry.Status != models.DeadLetterArchived {
		t.Errorf("expected archived, got %s", entry.Status)
	}
}
