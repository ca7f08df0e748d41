package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chatweave/chatweave/internal/flow"
	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/store"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time { return f.t }

type fakeRunner struct {
	mu       sync.Mutex
	resumed  []string
	sawEvent bool
}

func (f *fakeRunner) Execute(ctx context.Context, graph *models.FlowGraph, conv *models.ConversationContext, inbound *models.InboundMessage) (flow.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, conv.ConversationID)
	if inbound != nil {
		f.sawEvent = true
	}
	return flow.OutcomeEnded, nil
}

type fakeCampaignRunner struct {
	started   []string
	processed []string
	failStart map[string]bool
}

func (f *fakeCampaignRunner) Start(ctx context.Context, id string) error {
	if f.failStart[id] {
		return errors.New("boom")
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeCampaignRunner) Process(ctx context.Context, id string) error {
	f.processed = append(f.processed, id)
	return nil
}

type fakeRetries struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRetries) ProcessRetries(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func seedFlow(t *testing.T, st *store.InMemoryStore) {
	t.Helper()
	if err := st.SaveFlow(models.FlowGraph{
		ID: "flow-1",
		Nodes: []models.Node{
			{ID: "t1", Type: models.NodeTypeTrigger, Data: models.NodeData{TriggerKind: models.TriggerAnyMessage}},
		},
	}); err != nil {
		t.Fatalf("failed to seed flow: %v", err)
	}
}

func TestResumeDueConversations(t *testing.T) {
	st := store.NewInMemoryStore()
	seedFlow(t, st)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	st.SaveConversation(models.ConversationContext{
		ConversationID: "due", FlowID: "flow-1", ContactID: "c1",
		CurrentNodeID: "m1", ResumeAt: &past,
	})
	st.SaveConversation(models.ConversationContext{
		ConversationID: "later", FlowID: "flow-1", ContactID: "c2",
		CurrentNodeID: "m1", ResumeAt: &future,
	})

	runner := &fakeRunner{}
	s := NewScheduler(st, runner, &fakeCampaignRunner{}, &fakeRetries{}, WithClock(&fakeClock{t: now}))

	if err := s.ResumeDueConversations(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runner.resumed) != 1 || runner.resumed[0] != "due" {
		t.Fatalf("expected only the due conversation resumed, got %v", runner.resumed)
	}
	if runner.sawEvent {
		t.Error("resumed runs must carry no inbound event")
	}
	saved, _ := st.GetConversation("due")
	if saved.ResumeAt != nil {
		t.Error("resume marker must be cleared before the run")
	}
}

func TestStartDueCampaigns(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	base := models.Campaign{
		Name: "n", TemplateBody: "x", RateLimit: 10,
		Audience: models.AudienceSpec{Kind: models.AudienceAll},
	}
	a := base
	a.ID = "due-a"
	a.Status = models.CampaignStatusScheduled
	a.ScheduledAt = &past
	st.SaveCampaign(a)
	b := base
	b.ID = "due-b"
	b.Status = models.CampaignStatusScheduled
	b.ScheduledAt = &past
	st.SaveCampaign(b)
	c := base
	c.ID = "later"
	c.Status = models.CampaignStatusScheduled
	c.ScheduledAt = &future
	st.SaveCampaign(c)

	runner := &fakeCampaignRunner{failStart: map[string]bool{"due-a": true}}
	s := NewScheduler(st, &fakeRunner{}, runner, &fakeRetries{}, WithClock(&fakeClock{t: now}))

	if err := s.StartDueCampaigns(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// due-a fails to start but due-b still runs; the future campaign is untouched.
	if len(runner.started) != 1 || runner.started[0] != "due-b" {
		t.Errorf("expected only due-b started, got %v", runner.started)
	}
	if len(runner.processed) != 1 || runner.processed[0] != "due-b" {
		t.Errorf("expected only due-b processed, got %v", runner.processed)
	}
}

func TestSweepExpiredCache(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	st.PutCacheEntry(models.CacheEntry{Key: "stale", Value: "v", ExpiresAt: now.Add(-time.Hour)})
	st.PutCacheEntry(models.CacheEntry{Key: "fresh", Value: "v", ExpiresAt: now.Add(time.Hour)})

	s := NewScheduler(st, &fakeRunner{}, &fakeCampaignRunner{}, &fakeRetries{}, WithClock(&fakeClock{t: now}))
	if err := s.SweepExpiredCache(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e, _ := st.GetCacheEntry("stale"); e != nil {
		t.Error("stale entry should be swept")
	}
	if e, _ := st.GetCacheEntry("fresh"); e == nil {
		t.Error("fresh entry should survive")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	st := store.NewInMemoryStore()
	retries := &fakeRetries{}
	s := NewScheduler(st, &fakeRunner{}, &fakeCampaignRunner{}, retries,
		WithIntervals(5*time.Millisecond, 5*time.Millisecond, 5*time.Millisecond, 5*time.Millisecond))

	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	retries.mu.Lock()
	calls := retries.calls
	retries.mu.Unlock()
	if calls < 2 {
		t.Errorf("expected repeated retry polls, got %d", calls)
	}

	// Stop is idempotent with respect to further polls.
	time.Sleep(15 * time.Millisecond)
	retries.mu.Lock()
	after := retries.calls
	retries.mu.Unlock()
	if after != calls {
		t.Error("polls must not continue after Stop")
	}
}
