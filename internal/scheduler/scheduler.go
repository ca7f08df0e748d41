// Package scheduler runs the time-driven side of ChatWeave: resuming
// deferred conversations, starting due campaigns, retrying dead letters and
// sweeping the expired response cache.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatweave/chatweave/internal/flow"
	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/store"
)

const (
	// DefaultResumeInterval is how often deferred conversations are polled.
	DefaultResumeInterval = time.Minute
	// DefaultCampaignInterval is how often scheduled campaigns are polled.
	DefaultCampaignInterval = time.Minute
	// DefaultRetryInterval is how often due dead letters are retried.
	DefaultRetryInterval = 5 * time.Minute
	// DefaultSweepInterval is how often expired cache entries are removed.
	DefaultSweepInterval = 24 * time.Hour
	// DefaultPollBatchSize caps how many rows one poll claims.
	DefaultPollBatchSize = 50
)

// Clock abstracts the time source so tests can drive polls deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// FlowRunner resumes a deferred conversation; satisfied by flow.Engine.
type FlowRunner interface {
	Execute(ctx context.Context, graph *models.FlowGraph, conv *models.ConversationContext, inbound *models.InboundMessage) (flow.Outcome, error)
}

// CampaignRunner starts and drains due campaigns; satisfied by campaign.Dispatcher.
type CampaignRunner interface {
	Start(ctx context.Context, campaignID string) error
	Process(ctx context.Context, campaignID string) error
}

// RetryProcessor retries due dead letters; satisfied by deadletter.Manager.
type RetryProcessor interface {
	ProcessRetries(ctx context.Context) error
}

// Scheduler owns the background tickers. All dependencies are injected; it
// holds no domain state of its own.
type Scheduler struct {
	store     store.Store
	runner    FlowRunner
	campaigns CampaignRunner
	retries   RetryProcessor
	clock     Clock

	resumeInterval   time.Duration
	campaignInterval time.Duration
	retryInterval    time.Duration
	sweepInterval    time.Duration
	batchSize        int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler's time source.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithIntervals overrides the four poll intervals.
func WithIntervals(resume, campaign, retry, sweep time.Duration) Option {
	return func(s *Scheduler) {
		s.resumeInterval = resume
		s.campaignInterval = campaign
		s.retryInterval = retry
		s.sweepInterval = sweep
	}
}

// WithBatchSize overrides the per-poll claim size.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) { s.batchSize = n }
}

// NewScheduler creates a scheduler with the given dependencies.
func NewScheduler(st store.Store, runner FlowRunner, campaigns CampaignRunner, retries RetryProcessor, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:            st,
		runner:           runner,
		campaigns:        campaigns,
		retries:          retries,
		clock:            realClock{},
		resumeInterval:   DefaultResumeInterval,
		campaignInterval: DefaultCampaignInterval,
		retryInterval:    DefaultRetryInterval,
		sweepInterval:    DefaultSweepInterval,
		batchSize:        DefaultPollBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background loops. Each loop polls once immediately and
// then on its ticker until Stop or context cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.loop(ctx, s.resumeInterval, "resume", s.ResumeDueConversations)
	s.loop(ctx, s.campaignInterval, "campaigns", s.StartDueCampaigns)
	s.loop(ctx, s.retryInterval, "retries", s.retries.ProcessRetries)
	s.loop(ctx, s.sweepInterval, "sweep", s.SweepExpiredCache)
	slog.Info("Scheduler started",
		"resumeInterval", s.resumeInterval,
		"campaignInterval", s.campaignInterval,
		"retryInterval", s.retryInterval,
		"sweepInterval", s.sweepInterval)
}

// Stop halts all loops and waits for in-flight polls to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	slog.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, name string, poll func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := poll(ctx); err != nil {
			slog.Error("Scheduler poll failed", "loop", name, "error", err)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := poll(ctx); err != nil {
					slog.Error("Scheduler poll failed", "loop", name, "error", err)
				}
			}
		}
	}()
}

// ResumeDueConversations re-invokes the flow engine for every conversation
// whose resume marker has passed. The marker is cleared before the run so a
// crash mid-run cannot replay it with a stale position.
func (s *Scheduler) ResumeDueConversations(ctx context.Context) error {
	now := s.clock.Now()
	due, err := s.store.ListResumableConversations(now, s.batchSize)
	if err != nil {
		return err
	}
	for i := range due {
		conv := &due[i]
		conv.ResumeAt = nil
		conv.UpdatedAt = now
		if err := s.store.SaveConversation(*conv); err != nil {
			slog.Error("Scheduler.ResumeDueConversations: failed to clear resume marker",
				"conversationID", conv.ConversationID, "error", err)
			continue
		}
		graph, err := s.store.GetFlow(conv.FlowID)
		if err != nil || graph == nil {
			slog.Error("Scheduler.ResumeDueConversations: flow not found",
				"conversationID", conv.ConversationID, "flowID", conv.FlowID, "error", err)
			continue
		}
		outcome, err := s.runner.Execute(ctx, graph, conv, nil)
		if err != nil {
			slog.Error("Scheduler.ResumeDueConversations: resumed run failed",
				"conversationID", conv.ConversationID, "error", err)
			continue
		}
		slog.Debug("Scheduler.ResumeDueConversations: conversation resumed",
			"conversationID", conv.ConversationID, "outcome", outcome)
	}
	return nil
}

// StartDueCampaigns arms and drains every scheduled campaign whose start time
// has passed. One broken campaign never blocks the rest.
func (s *Scheduler) StartDueCampaigns(ctx context.Context) error {
	now := s.clock.Now()
	due, err := s.store.ListDueScheduledCampaigns(now, s.batchSize)
	if err != nil {
		return err
	}
	for _, c := range due {
		if err := s.campaigns.Start(ctx, c.ID); err != nil {
			slog.Error("Scheduler.StartDueCampaigns: failed to start campaign", "campaignID", c.ID, "error", err)
			continue
		}
		if err := s.campaigns.Process(ctx, c.ID); err != nil {
			slog.Error("Scheduler.StartDueCampaigns: failed to process campaign", "campaignID", c.ID, "error", err)
		}
	}
	return nil
}

// SweepExpiredCache deletes cache entries past their expiry.
func (s *Scheduler) SweepExpiredCache(ctx context.Context) error {
	n, err := s.store.DeleteExpiredCacheEntries(s.clock.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Scheduler.SweepExpiredCache: removed expired entries", "count", n)
	}
	return nil
}
