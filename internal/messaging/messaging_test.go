package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/chatweave/chatweave/internal/flow"
	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/store"
	"github.com/chatweave/chatweave/internal/whatsapp"
)

type mockService struct {
	receipts  chan models.Receipt
	responses chan models.InboundMessage
}

func newMockService() *mockService {
	return &mockService{
		receipts:  make(chan models.Receipt, 10),
		responses: make(chan models.InboundMessage, 10),
	}
}

func (m *mockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return recipient, nil
}
func (m *mockService) SendMessage(ctx context.Context, to, body string) error { return nil }
func (m *mockService) Start(ctx context.Context) error                        { return nil }
func (m *mockService) Stop() error                                            { return nil }
func (m *mockService) Receipts() <-chan models.Receipt                        { return m.receipts }
func (m *mockService) Responses() <-chan models.InboundMessage                { return m.responses }

type fakeRunner struct {
	calls   chan *models.InboundMessage
	outcome flow.Outcome
}

func (f *fakeRunner) Execute(ctx context.Context, graph *models.FlowGraph, conv *models.ConversationContext, inbound *models.InboundMessage) (flow.Outcome, error) {
	if f.calls != nil {
		f.calls <- inbound
	}
	return f.outcome, nil
}

func TestWhatsAppServiceCanonicalization(t *testing.T) {
	s := NewWhatsAppService(whatsapp.NewMockClient())

	got, err := s.ValidateAndCanonicalizeRecipient("+1 (555) 123-4567")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "15551234567" {
		t.Errorf("expected bare digits, got %q", got)
	}

	if _, err := s.ValidateAndCanonicalizeRecipient(""); err == nil {
		t.Error("expected error for empty recipient")
	}
	if _, err := s.ValidateAndCanonicalizeRecipient("123"); err == nil {
		t.Error("expected error for too-short number")
	}
	if _, err := s.ValidateAndCanonicalizeRecipient("no digits"); err == nil {
		t.Error("expected error for non-numeric recipient")
	}
}

func TestTwilioServiceCanonicalization(t *testing.T) {
	s := NewTwilioService(nil)
	got, err := s.ValidateAndCanonicalizeRecipient("whatsapp:+1 555 123 4567")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "+15551234567" {
		t.Errorf("expected E.164 with plus, got %q", got)
	}
}

func TestWhatsAppServiceSendEmitsReceipt(t *testing.T) {
	s := NewWhatsAppService(whatsapp.NewMockClient())
	if err := s.SendMessage(context.Background(), "+15551234567", "hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case r := <-s.Receipts():
		if r.Status != models.MessageStatusSent {
			t.Errorf("expected sent receipt, got %s", r.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no receipt emitted")
	}
}

func TestHandleInboundCreatesContactAndConversation(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Now()
	st.SaveFlow(models.FlowGraph{
		ID: "welcome",
		Nodes: []models.Node{
			{ID: "t1", Type: models.NodeTypeTrigger, Data: models.NodeData{TriggerKind: models.TriggerAnyMessage}},
		},
		CreatedAt: now, UpdatedAt: now,
	})
	runner := &fakeRunner{calls: make(chan *models.InboundMessage, 1), outcome: flow.OutcomeEnded}
	h := NewResponseHandler(st, runner, newMockService(), "welcome")

	h.HandleInbound(context.Background(), models.InboundMessage{
		From: "+15550009", Body: "hi", Kind: models.InboundKindText, Time: now.Unix(),
	})

	contact, _ := st.GetContactByPhone("+15550009")
	if contact == nil {
		t.Fatal("contact not created")
	}
	if !contact.OptedIn || contact.Verified {
		t.Errorf("new inbound contact must be opted in but unverified, got %+v", contact)
	}
	conv, _ := st.GetConversationByContact(contact.ID)
	if conv == nil || conv.FlowID != "welcome" {
		t.Fatalf("conversation not created against the default flow, got %+v", conv)
	}

	select {
	case msg := <-runner.calls:
		if msg == nil || msg.Body != "hi" {
			t.Errorf("runner got wrong inbound: %+v", msg)
		}
	default:
		t.Fatal("flow runner not invoked")
	}

	// A second message reuses the same contact and conversation.
	h.HandleInbound(context.Background(), models.InboundMessage{
		From: "+15550009", Body: "again", Kind: models.InboundKindText, Time: now.Unix(),
	})
	again, _ := st.GetConversationByContact(contact.ID)
	if again.ConversationID != conv.ConversationID {
		t.Error("second inbound must not create a new conversation")
	}
}

func TestHandleReceiptAdvancesCampaignMessage(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Now()
	st.SaveCampaign(models.Campaign{
		ID: "camp-1", Name: "n", Status: models.CampaignStatusProcessing,
		TemplateBody: "x", RateLimit: 10,
		Audience:  models.AudienceSpec{Kind: models.AudienceAll},
		CreatedAt: now, UpdatedAt: now,
	})
	sentAt := now.Add(-time.Minute)
	st.CreateCampaignMessages([]models.CampaignMessage{{
		ID: "m1", CampaignID: "camp-1", ContactID: "c1", Recipient: "+15551",
		Body: "x", Status: models.MessageStatusSent, SentAt: &sentAt,
		CreatedAt: now, UpdatedAt: now,
	}})
	h := NewResponseHandler(st, &fakeRunner{}, newMockService(), "welcome")

	h.HandleReceipt(models.Receipt{To: "+15551", Status: models.MessageStatusDelivered, Time: now.Unix()})
	c, _ := st.GetCampaign("camp-1")
	if c.DeliveredCount != 1 {
		t.Errorf("expected delivered count 1, got %d", c.DeliveredCount)
	}

	// Duplicate delivery receipts are ignored.
	h.HandleReceipt(models.Receipt{To: "+15551", Status: models.MessageStatusDelivered, Time: now.Unix()})
	c, _ = st.GetCampaign("camp-1")
	if c.DeliveredCount != 1 {
		t.Errorf("duplicate receipt must not double count, got %d", c.DeliveredCount)
	}

	h.HandleReceipt(models.Receipt{To: "+15551", Status: models.MessageStatusRead, Time: now.Unix()})
	c, _ = st.GetCampaign("camp-1")
	if c.ReadCount != 1 {
		t.Errorf("expected read count 1, got %d", c.ReadCount)
	}
	m, _ := st.LatestCampaignMessageForRecipient("+15551")
	if m.Status != models.MessageStatusRead {
		t.Errorf("expected read status, got %s", m.Status)
	}

	// Out-of-order delivered after read must not downgrade.
	h.HandleReceipt(models.Receipt{To: "+15551", Status: models.MessageStatusDelivered, Time: now.Unix()})
	m, _ = st.LatestCampaignMessageForRecipient("+15551")
	if m.Status != models.MessageStatusRead {
		t.Errorf("receipt must never downgrade status, got %s", m.Status)
	}
}

func TestResponseHandlerLoop(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Now()
	st.SaveFlow(models.FlowGraph{
		ID: "welcome",
		Nodes: []models.Node{
			{ID: "t1", Type: models.NodeTypeTrigger, Data: models.NodeData{TriggerKind: models.TriggerAnyMessage}},
		},
		CreatedAt: now, UpdatedAt: now,
	})
	svc := newMockService()
	runner := &fakeRunner{calls: make(chan *models.InboundMessage, 1), outcome: flow.OutcomeEnded}
	h := NewResponseHandler(st, runner, svc, "welcome")

	h.Start(context.Background())
	defer h.Stop()

	svc.responses <- models.InboundMessage{From: "+15550010", Body: "hello", Kind: models.InboundKindText, Time: now.Unix()}

	select {
	case <-runner.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message not consumed from channel")
	}
}
