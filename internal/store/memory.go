// Package store provides storage backends for ChatWeave.
//
// This file implements an in-memory store used by tests and development mode.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/chatweave/chatweave/internal/models"
)

// InMemoryStore implements Store with plain maps guarded by a mutex.
type InMemoryStore struct {
	mu            sync.RWMutex
	flows         map[string]models.FlowGraph
	conversations map[string]models.ConversationContext
	contacts      map[string]models.Contact
	campaigns     map[string]models.Campaign
	messages      map[string]models.CampaignMessage
	deadLetters   map[string]models.DeadLetterEntry
	cache         map[string]models.CacheEntry
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:         make(map[string]models.FlowGraph),
		conversations: make(map[string]models.ConversationContext),
		contacts:      make(map[string]models.Contact),
		campaigns:     make(map[string]models.Campaign),
		messages:      make(map[string]models.CampaignMessage),
		deadLetters:   make(map[string]models.DeadLetterEntry),
		cache:         make(map[string]models.CacheEntry),
	}
}

func (s *InMemoryStore) SaveFlow(g models.FlowGraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[g.ID] = g
	return nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.FlowGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.flows[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (s *InMemoryStore) GetConversation(id string) (*models.ConversationContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return cloneConversation(c), nil
}

func (s *InMemoryStore) GetConversationByContact(contactID string) (*models.ConversationContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.ContactID == contactID {
			return cloneConversation(c), nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) SaveConversation(c models.ConversationContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ConversationID] = *cloneConversation(c)
	return nil
}

func (s *InMemoryStore) ListResumableConversations(now time.Time, limit int) ([]models.ConversationContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []models.ConversationContext
	for _, c := range s.conversations {
		if c.ResumeAt != nil && !c.ResumeAt.After(now) {
			due = append(due, *cloneConversation(c))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ResumeAt.Before(*due[j].ResumeAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) SaveContact(c models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetContact(id string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) GetContactByPhone(phone string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contacts {
		if c.Phone == phone {
			return &c, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListSendableContacts() ([]models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Contact
	for _, c := range s.contacts {
		if c.Sendable() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SaveCampaign(c models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetCampaign(id string) (*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) UpdateCampaignStatus(id string, status models.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	s.campaigns[id] = c
	return nil
}

func (s *InMemoryStore) AddCampaignCounts(id string, sent, delivered, read, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil
	}
	c.SentCount += sent
	c.DeliveredCount += delivered
	c.ReadCount += read
	c.FailedCount += failed
	c.UpdatedAt = time.Now()
	s.campaigns[id] = c
	return nil
}

func (s *InMemoryStore) ListDueScheduledCampaigns(now time.Time, limit int) ([]models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []models.Campaign
	for _, c := range s.campaigns {
		if c.Status == models.CampaignStatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(*due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) CreateCampaignMessages(msgs []models.CampaignMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages[m.ID] = m
	}
	return nil
}

func (s *InMemoryStore) ListPendingCampaignMessages(campaignID string, limit int) ([]models.CampaignMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []models.CampaignMessage
	for _, m := range s.messages {
		if m.CampaignID == campaignID && m.Status == models.MessageStatusPending {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *InMemoryStore) UpdateCampaignMessage(m models.CampaignMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	return nil
}

func (s *InMemoryStore) CountCampaignMessages(campaignID string, status models.MessageStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if m.CampaignID == campaignID && m.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) LatestCampaignMessageForRecipient(recipient string) (*models.CampaignMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.CampaignMessage
	for _, m := range s.messages {
		if m.Recipient != recipient || m.SentAt == nil {
			continue
		}
		if latest == nil || m.SentAt.After(*latest.SentAt) {
			mm := m
			latest = &mm
		}
	}
	return latest, nil
}

func (s *InMemoryStore) AddDeadLetter(e models.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters[e.ID] = e
	return nil
}

func (s *InMemoryStore) GetDeadLetter(id string) (*models.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.deadLetters[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *InMemoryStore) UpdateDeadLetter(e models.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters[e.ID] = e
	return nil
}

func (s *InMemoryStore) ListDueDeadLetters(now time.Time, limit int) ([]models.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []models.DeadLetterEntry
	for _, e := range s.deadLetters {
		if e.Status == models.DeadLetterRetrying && !e.NextRetryAt.After(now) && e.RetryCount < e.MaxRetries {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) GetCacheEntry(key string) (*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *InMemoryStore) PutCacheEntry(e models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[e.Key] = e
	return nil
}

func (s *InMemoryStore) DeleteExpiredCacheEntries(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.cache {
		if e.Expired(now) {
			delete(s.cache, k)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// cloneConversation deep-copies the mutable fields so callers cannot alias
// map state held by the store.
func cloneConversation(c models.ConversationContext) *models.ConversationContext {
	out := c
	if c.Variables != nil {
		out.Variables = make(map[string]string, len(c.Variables))
		for k, v := range c.Variables {
			out.Variables[k] = v
		}
	}
	if c.FlowHistory != nil {
		out.FlowHistory = append([]string(nil), c.FlowHistory...)
	}
	if c.ResumeAt != nil {
		t := *c.ResumeAt
		out.ResumeAt = &t
	}
	return &out
}
