package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chatweave/chatweave/internal/models"
)

func TestInMemoryStoreConversations(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Now()
	resume := now.Add(-time.Minute)
	c := models.ConversationContext{
		ConversationID: "conv-1",
		FlowID:         "flow-1",
		ContactID:      "contact-1",
		Variables:      map[string]string{"name": "Sam"},
		FlowHistory:    []string{"t1", "m1"},
		ResumeAt:       &resume,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.SaveConversation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.GetConversation("conv-1")
	if err != nil || got == nil {
		t.Fatalf("expected conversation, got %v, err %v", got, err)
	}
	if got.Variables["name"] != "Sam" || len(got.FlowHistory) != 2 {
		t.Error("conversation fields not round-tripped")
	}

	// Mutating the returned copy must not affect stored state.
	got.Variables["name"] = "Alex"
	again, _ := s.GetConversation("conv-1")
	if again.Variables["name"] != "Sam" {
		t.Error("store state aliased by returned conversation")
	}

	byContact, _ := s.GetConversationByContact("contact-1")
	if byContact == nil || byContact.ConversationID != "conv-1" {
		t.Error("lookup by contact failed")
	}

	due, err := s.ListResumableConversations(now, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 resumable conversation, got %d", len(due))
	}

	future := now.Add(time.Hour)
	c.ResumeAt = &future
	s.SaveConversation(c)
	due, _ = s.ListResumableConversations(now, 10)
	if len(due) != 0 {
		t.Errorf("expected no resumable conversations, got %d", len(due))
	}
}

func TestInMemoryStoreSendableContacts(t *testing.T) {
	s := NewInMemoryStore()
	s.SaveContact(models.Contact{ID: "a", Phone: "+1", OptedIn: true, Verified: true})
	s.SaveContact(models.Contact{ID: "b", Phone: "+2", OptedIn: true, Verified: false})
	s.SaveContact(models.Contact{ID: "c", Phone: "+3", OptedIn: false, Verified: true})

	sendable, err := s.ListSendableContacts()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sendable) != 1 || sendable[0].ID != "a" {
		t.Errorf("expected only contact a, got %v", sendable)
	}
}

func TestInMemoryStoreCampaignMessages(t *testing.T) {
	s := NewInMemoryStore()
	msgs := []models.CampaignMessage{
		{ID: "m1", CampaignID: "camp", Status: models.MessageStatusPending},
		{ID: "m2", CampaignID: "camp", Status: models.MessageStatusPending},
		{ID: "m3", CampaignID: "other", Status: models.MessageStatusPending},
	}
	if err := s.CreateCampaignMessages(msgs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pending, _ := s.ListPendingCampaignMessages("camp", 10)
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}

	pending, _ = s.ListPendingCampaignMessages("camp", 1)
	if len(pending) != 1 {
		t.Fatalf("expected limit to cap batch at 1, got %d", len(pending))
	}

	m := msgs[0]
	m.Status = models.MessageStatusSent
	now := time.Now()
	m.SentAt = &now
	s.UpdateCampaignMessage(m)

	n, _ := s.CountCampaignMessages("camp", models.MessageStatusSent)
	if n != 1 {
		t.Errorf("expected 1 sent, got %d", n)
	}
}

func TestInMemoryStoreDueDeadLetters(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Now()
	s.AddDeadLetter(models.DeadLetterEntry{
		ID: "d1", Status: models.DeadLetterRetrying, NextRetryAt: now.Add(-time.Minute),
		RetryCount: 0, MaxRetries: 3,
	})
	s.AddDeadLetter(models.DeadLetterEntry{
		ID: "d2", Status: models.DeadLetterRetrying, NextRetryAt: now.Add(time.Hour),
		RetryCount: 0, MaxRetries: 3,
	})
	s.AddDeadLetter(models.DeadLetterEntry{
		ID: "d3", Status: models.DeadLetterRetrying, NextRetryAt: now.Add(-time.Minute),
		RetryCount: 3, MaxRetries: 3,
	})
	s.AddDeadLetter(models.DeadLetterEntry{
		ID: "d4", Status: models.DeadLetterResolved, NextRetryAt: now.Add(-time.Minute),
		RetryCount: 0, MaxRetries: 3,
	})

	due, err := s.ListDueDeadLetters(now, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 || due[0].ID != "d1" {
		t.Errorf("expected only d1 due, got %v", due)
	}
}

func TestInMemoryStoreCacheSweep(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Now()
	s.PutCacheEntry(models.CacheEntry{Key: "old", Value: "x", ExpiresAt: now.Add(-time.Hour)})
	s.PutCacheEntry(models.CacheEntry{Key: "fresh", Value: "y", ExpiresAt: now.Add(time.Hour)})

	n, err := s.DeleteExpiredCacheEntries(now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired entry deleted, got %d", n)
	}
	if e, _ := s.GetCacheEntry("old"); e != nil {
		t.Error("expired entry should be gone")
	}
	if e, _ := s.GetCacheEntry("fresh"); e == nil {
		t.Error("fresh entry should remain")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "chatweave_test.db")
	s, err := NewSQLiteStore(WithDSN(dsn))
	if err != nil {
		t.Skipf("SQLite not available: %v", err)
	}
	defer s.Close()

	now := time.Now().UTC().Truncate(time.Second)
	g := models.FlowGraph{
		ID: "flow-1",
		Nodes: []models.Node{
			{ID: "t1", Type: models.NodeTypeTrigger, Data: models.NodeData{TriggerKind: models.TriggerAnyMessage}},
		},
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.SaveFlow(g); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.GetFlow("flow-1")
	if err != nil || got == nil {
		t.Fatalf("expected flow, got %v, err %v", got, err)
	}
	if len(got.Nodes) != 1 || got.Nodes[0].Type != models.NodeTypeTrigger {
		t.Error("flow definition not round-tripped")
	}

	c := models.ConversationContext{
		ConversationID: "conv-1", FlowID: "flow-1", ContactID: "contact-1",
		Variables: map[string]string{"k": "v"}, FlowHistory: []string{"t1"},
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.SaveConversation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cc, err := s.GetConversation("conv-1")
	if err != nil || cc == nil {
		t.Fatalf("expected conversation, got %v, err %v", cc, err)
	}
	if cc.Variables["k"] != "v" {
		t.Error("conversation variables not round-tripped")
	}

	e := models.DeadLetterEntry{
		ID: "d1", MessageType: models.DeadLetterDirectMessage, Recipient: "+155500",
		Payload: "hello", RetryCount: 0, MaxRetries: 3, NextRetryAt: now.Add(-time.Minute),
		Status: models.DeadLetterRetrying, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.AddDeadLetter(e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	due, err := s.ListDueDeadLetters(now, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 || due[0].ID != "d1" {
		t.Errorf("expected d1 due, got %v", due)
	}
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL to enable.
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		t.Skip("DATABASE_URL not set")
	}
	pg, err := NewPostgresStore(WithDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pg.Close()

	pg.db.Exec("DELETE FROM contacts")
	now := time.Now()
	if err := pg.SaveContact(models.Contact{ID: "p1", Phone: "+1555", OptedIn: true, Verified: true, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sendable, err := pg.ListSendableContacts()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sendable) != 1 || sendable[0].ID != "p1" {
		t.Error("contact not stored or retrieved correctly in Postgres")
	}
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":  "postgres",
		"postgresql://localhost/db":    "postgres",
		"host=localhost dbname=cw":     "postgres",
		"/var/lib/chatweave/cw.db":     "sqlite3",
		"file:cw.db?_foreign_keys=on":  "sqlite3",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}
