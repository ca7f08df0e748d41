package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/store"
)

type fakeSender struct {
	failFor map[string]bool
	failAll bool
	sent    []string
	bodies  []string
	onSend  func(to string)
}

func (f *fakeSender) SendMessage(ctx context.Context, to, body string) error {
	if f.onSend != nil {
		f.onSend(to)
	}
	if f.failAll || f.failFor[to] {
		return errors.New("undeliverable")
	}
	f.sent = append(f.sent, to)
	f.bodies = append(f.bodies, body)
	return nil
}

var noDelays = []time.Duration{}

func seedContacts(t *testing.T, st *store.InMemoryStore, n int) {
	t.Helper()
	now := time.Now()
	for i := 0; i < n; i++ {
		if err := st.SaveContact(models.Contact{
			ID:    fmt.Sprintf("c%02d", i),
			Phone: fmt.Sprintf("+1555000%02d", i),
			Name:  fmt.Sprintf("Contact %d", i),
			Tags:  []string{"customer"},
			OptedIn: true, Verified: true,
			CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatalf("failed to seed contact: %v", err)
		}
	}
}

func seedCampaign(t *testing.T, st *store.InMemoryStore, c models.Campaign) {
	t.Helper()
	if c.ID == "" {
		c.ID = "camp-1"
	}
	if c.Name == "" {
		c.Name = "launch"
	}
	if c.Status == "" {
		c.Status = models.CampaignStatusDraft
	}
	if c.TemplateBody == "" {
		c.TemplateBody = "Hi {{name}}"
	}
	if c.RateLimit == 0 {
		c.RateLimit = 100
	}
	if c.Audience.Kind == "" {
		c.Audience.Kind = models.AudienceAll
	}
	if err := st.SaveCampaign(c); err != nil {
		t.Fatalf("failed to seed campaign: %v", err)
	}
}

func TestStartMaterializesAudience(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Now()
	seedContacts(t, st, 3)
	// Not sendable: must never be materialized whatever the audience says.
	st.SaveContact(models.Contact{ID: "optout", Phone: "+1999", OptedIn: false, Verified: true, CreatedAt: now})
	st.SaveContact(models.Contact{ID: "unverified", Phone: "+1998", OptedIn: true, Verified: false, CreatedAt: now})
	seedCampaign(t, st, models.Campaign{
		Audience: models.AudienceSpec{Kind: models.AudienceSpecific, ContactIDs: []string{"c00", "c01", "optout", "unverified"}},
	})

	d := NewDispatcher(st, &fakeSender{})
	if err := d.Start(context.Background(), "camp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, _ := st.GetCampaign("camp-1")
	if c.Status != models.CampaignStatusProcessing {
		t.Errorf("expected processing, got %s", c.Status)
	}
	pending, _ := st.ListPendingCampaignMessages("camp-1", 100)
	if len(pending) != 2 {
		t.Fatalf("expected 2 materialized messages, got %d", len(pending))
	}
	for _, m := range pending {
		if !strings.HasPrefix(m.Body, "Hi Contact ") {
			t.Errorf("template not interpolated per recipient: %q", m.Body)
		}
		if m.ContactID == "optout" || m.ContactID == "unverified" {
			t.Error("non-sendable contact materialized")
		}
	}
}

func TestStartEmptyAudienceCompletes(t *testing.T) {
	st := store.NewInMemoryStore()
	seedCampaign(t, st, models.Campaign{
		Audience: models.AudienceSpec{Kind: models.AudienceFiltered, Tags: []string{"nobody"}},
	})
	d := NewDispatcher(st, &fakeSender{})
	if err := d.Start(context.Background(), "camp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, _ := st.GetCampaign("camp-1")
	if c.Status != models.CampaignStatusCompleted {
		t.Errorf("empty audience must complete immediately, got %s", c.Status)
	}
}

func TestStartRejectsTerminalCampaign(t *testing.T) {
	st := store.NewInMemoryStore()
	seedCampaign(t, st, models.Campaign{Status: models.CampaignStatusCompleted})
	d := NewDispatcher(st, &fakeSender{})
	err := d.Start(context.Background(), "camp-1")
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("expected invalid transition error, got %v", err)
	}
}

func TestProcessDrainsAndCompletes(t *testing.T) {
	st := store.NewInMemoryStore()
	seedContacts(t, st, 5)
	seedCampaign(t, st, models.Campaign{})
	sender := &fakeSender{}
	d := NewDispatcher(st, sender, WithRetryDelays(noDelays))

	ctx := context.Background()
	if err := d.Start(ctx, "camp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Process(ctx, "camp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, _ := st.GetCampaign("camp-1")
	if c.Status != models.CampaignStatusCompleted {
		t.Errorf("expected completed, got %s", c.Status)
	}
	if c.SentCount != 5 || c.FailedCount != 0 {
		t.Errorf("counts = sent %d failed %d, want 5/0", c.SentCount, c.FailedCount)
	}
	if len(sender.sent) != 5 {
		t.Errorf("expected 5 sends, got %d", len(sender.sent))
	}
	n, _ := st.CountCampaignMessages("camp-1", models.MessageStatusSent)
	if n != 5 {
		t.Errorf("expected 5 sent messages, got %d", n)
	}
}

func TestTransientFailureRetriedInline(t *testing.T) {
	st := store.NewInMemoryStore()
	seedContacts(t, st, 1)
	seedCampaign(t, st, models.Campaign{})

	failures := 2
	sender := &fakeSender{}
	sender.onSend = func(to string) {
		if failures > 0 {
			failures--
			sender.failAll = true
		} else {
			sender.failAll = false
		}
	}
	d := NewDispatcher(st, sender, WithRetryDelays([]time.Duration{0, 0, 0}))

	ctx := context.Background()
	if err := d.Start(ctx, "camp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Process(ctx, "camp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, _ := st.GetCampaign("camp-1")
	if c.Status != models.CampaignStatusCompleted || c.SentCount != 1 {
		t.Errorf("expected recovery within inline retries, got status %s sent %d", c.Status, c.SentCount)
	}
}

func TestFailureThresholdAborts(t *testing.T) {
	st := store.NewInMemoryStore()
	seedContacts(t, st, 15)
	seedCampaign(t, st, models.Campaign{FailureThreshold: 0.3})
	sender := &fakeSender{failAll: true}
	d := NewDispatcher(st, sender, WithRetryDelays(noDelays))

	ctx := context.Background()
	if err := d.Start(ctx, "camp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Process(ctx, "camp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, _ := st.GetCampaign("camp-1")
	if c.Status != models.CampaignStatusFailed {
		t.Fatalf("expected failed campaign, got %s", c.Status)
	}
	// The abort fires at the minimum sample, leaving the rest untouched.
	if c.FailedCount != FailureMinSample {
		t.Errorf("expected %d attempted failures, got %d", FailureMinSample, c.FailedCount)
	}
	pending, _ := st.ListPendingCampaignMessages("camp-1", 100)
	if len(pending) != 5 {
		t.Errorf("expected 5 untouched messages, got %d", len(pending))
	}
}

func TestThresholdNeedsMinimumSample(t *testing.T) {
	d := NewDispatcher(store.NewInMemoryStore(), &fakeSender{})
	c := &models.Campaign{FailureThreshold: 0.3}
	if d.thresholdExceeded(c, 2, 4) {
		t.Error("threshold must not fire below the minimum sample")
	}
	if !d.thresholdExceeded(c, 7, 4) {
		t.Error("4 failures out of 11 attempts must exceed a 0.3 threshold")
	}
	if d.thresholdExceeded(c, 8, 3) {
		t.Error("3 failures out of 11 attempts must not exceed a 0.3 threshold")
	}
}

func TestPauseResumeWithoutDuplicateSends(t *testing.T) {
	st := store.NewInMemoryStore()
	seedContacts(t, st, 4)
	seedCampaign(t, st, models.Campaign{})
	sender := &fakeSender{}
	d := NewDispatcher(st, sender, WithRetryDelays(noDelays), WithBatchSize(2))

	// Pause after the first batch completes.
	sends := 0
	sender.onSend = func(to string) {
		sends++
		if sends == 2 {
			if err := d.Pause("camp-1"); err != nil {
				t.Errorf("pause failed: %v", err)
			}
		}
	}

	ctx := context.Background()
	if err := d.Start(ctx, "camp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Process(ctx, "camp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, _ := st.GetCampaign("camp-1")
	if c.Status != models.CampaignStatusPaused {
		t.Fatalf("expected paused, got %s", c.Status)
	}
	pending, _ := st.ListPendingCampaignMessages("camp-1", 100)
	if len(pending) != 2 {
		t.Fatalf("expected 2 messages left, got %d", len(pending))
	}

	sender.onSend = nil
	if err := d.Resume("camp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Process(ctx, "camp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, _ = st.GetCampaign("camp-1")
	if c.Status != models.CampaignStatusCompleted || c.SentCount != 4 {
		t.Errorf("expected completed with 4 sends, got %s sent %d", c.Status, c.SentCount)
	}
	if len(sender.sent) != 4 {
		t.Errorf("resume must not re-send, transport saw %d sends", len(sender.sent))
	}
}

func TestTransitionValidation(t *testing.T) {
	st := store.NewInMemoryStore()
	seedCampaign(t, st, models.Campaign{Status: models.CampaignStatusDraft})
	d := NewDispatcher(st, &fakeSender{})
	if err := d.Pause("camp-1"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("pausing a draft must fail, got %v", err)
	}
	if err := d.Cancel("camp-1"); err != nil {
		t.Errorf("cancelling a draft must succeed, got %v", err)
	}
	if err := d.Resume("camp-1"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("resuming a cancelled campaign must fail, got %v", err)
	}
}
