package models

import (
	"testing"
	"time"
)

func TestCampaignStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to CampaignStatus
		ok       bool
	}{
		{CampaignStatusDraft, CampaignStatusScheduled, true},
		{CampaignStatusDraft, CampaignStatusProcessing, true},
		{CampaignStatusScheduled, CampaignStatusProcessing, true},
		{CampaignStatusProcessing, CampaignStatusPaused, true},
		{CampaignStatusPaused, CampaignStatusProcessing, true},
		{CampaignStatusProcessing, CampaignStatusCompleted, true},
		{CampaignStatusProcessing, CampaignStatusFailed, true},
		{CampaignStatusCompleted, CampaignStatusProcessing, false},
		{CampaignStatusFailed, CampaignStatusProcessing, false},
		{CampaignStatusCancelled, CampaignStatusScheduled, false},
		{CampaignStatusPaused, CampaignStatusCompleted, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.ok {
			t.Errorf("%s -> %s: expected %v, got %v", c.from, c.to, c.ok, got)
		}
	}
}

func TestRetryBackoffNonDecreasingAndClamped(t *testing.T) {
	prev := time.Duration(0)
	for k := 0; k < 10; k++ {
		d := RetryBackoff(k)
		if d < prev {
			t.Errorf("backoff at retry %d decreased: %v < %v", k, d, prev)
		}
		prev = d
	}
	if RetryBackoff(0) != time.Minute {
		t.Errorf("expected 1m at index 0, got %v", RetryBackoff(0))
	}
	if RetryBackoff(99) != 24*time.Hour {
		t.Errorf("expected clamp at 24h, got %v", RetryBackoff(99))
	}
	if RetryBackoff(-1) != time.Minute {
		t.Errorf("negative retry count should clamp to first entry")
	}
}

func TestAudienceSpecMatches(t *testing.T) {
	contact := &Contact{
		ID:           "c1",
		Tags:         []string{"vip", "beta"},
		CustomFields: map[string]string{"plan": "pro"},
	}

	all := AudienceSpec{Kind: AudienceAll}
	if !all.Matches(contact) {
		t.Error("all audience should match every contact")
	}

	filtered := AudienceSpec{Kind: AudienceFiltered, Tags: []string{"vip"}}
	if !filtered.Matches(contact) {
		t.Error("tag overlap should match")
	}
	filtered = AudienceSpec{Kind: AudienceFiltered, Tags: []string{"churned"}}
	if filtered.Matches(contact) {
		t.Error("no tag overlap should not match")
	}
	filtered = AudienceSpec{Kind: AudienceFiltered, CustomFields: map[string]string{"plan": "free"}}
	if filtered.Matches(contact) {
		t.Error("custom field mismatch should not match")
	}

	specific := AudienceSpec{Kind: AudienceSpecific, ContactIDs: []string{"c2", "c1"}}
	if !specific.Matches(contact) {
		t.Error("specific id list should match c1")
	}
}

func TestFlowGraphValidate(t *testing.T) {
	g := FlowGraph{
		Nodes: []Node{
			{ID: "t1", Type: NodeTypeTrigger, Data: NodeData{TriggerKind: TriggerAnyMessage}},
			{ID: "m1", Type: NodeTypeSendMessage, Data: NodeData{Body: "hi"}},
		},
		Edges: []Edge{{Source: "t1", Target: "m1"}},
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	g.Edges = append(g.Edges, Edge{Source: "m1", Target: "ghost"})
	if err := g.Validate(); err == nil {
		t.Error("expected error for dangling edge target")
	}

	bad := FlowGraph{Nodes: []Node{{ID: "x", Type: NodeType("teleport")}}}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unknown node type")
	}
}

func TestCampaignValidate(t *testing.T) {
	c := Campaign{TemplateBody: "Hello {{name}}", RateLimit: 10, Audience: AudienceSpec{Kind: AudienceAll}}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.RateLimit = 0
	if err := c.Validate(); err != ErrInvalidRateLimit {
		t.Errorf("expected ErrInvalidRateLimit, got %v", err)
	}
	c.RateLimit = 101
	if err := c.Validate(); err != ErrInvalidRateLimit {
		t.Errorf("expected ErrInvalidRateLimit, got %v", err)
	}
}
