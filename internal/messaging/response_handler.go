package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatweave/chatweave/internal/flow"
	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/store"
)

// FlowRunner executes one flow run; satisfied by flow.Engine.
type FlowRunner interface {
	Execute(ctx context.Context, graph *models.FlowGraph, conv *models.ConversationContext, inbound *models.InboundMessage) (flow.Outcome, error)
}

// ResponseHandler consumes the messaging service's inbound and receipt
// channels. Inbound messages drive flow runs; delivery receipts advance
// campaign message status.
type ResponseHandler struct {
	store         store.Store
	runner        FlowRunner
	service       Service
	defaultFlowID string
	wg            sync.WaitGroup
	cancel        context.CancelFunc
}

// NewResponseHandler creates a handler that routes inbound messages into the
// given flow. Contacts and conversations are created on first inbound contact.
func NewResponseHandler(st store.Store, runner FlowRunner, service Service, defaultFlowID string) *ResponseHandler {
	return &ResponseHandler{
		store:         st,
		runner:        runner,
		service:       service,
		defaultFlowID: defaultFlowID,
	}
}

// Start begins consuming the service channels until Stop or context cancellation.
func (h *ResponseHandler) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case inbound, ok := <-h.service.Responses():
				if !ok {
					return
				}
				h.HandleInbound(ctx, inbound)
			case receipt, ok := <-h.service.Receipts():
				if !ok {
					return
				}
				h.HandleReceipt(receipt)
			}
		}
	}()
	slog.Info("ResponseHandler started", "defaultFlowID", h.defaultFlowID)
}

// Stop halts channel consumption and waits for the worker to exit.
func (h *ResponseHandler) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	slog.Info("ResponseHandler stopped")
}

// HandleInbound ensures a contact and conversation exist for the sender, then
// hands the message to the flow engine.
func (h *ResponseHandler) HandleInbound(ctx context.Context, inbound models.InboundMessage) {
	contact, err := h.store.GetContactByPhone(inbound.From)
	if err != nil {
		slog.Error("ResponseHandler.HandleInbound: contact lookup failed", "from", inbound.From, "error", err)
		return
	}
	now := time.Now()
	if contact == nil {
		contact = &models.Contact{
			ID:        uuid.NewString(),
			Phone:     inbound.From,
			OptedIn:   true,
			Verified:  false,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := h.store.SaveContact(*contact); err != nil {
			slog.Error("ResponseHandler.HandleInbound: failed to create contact", "from", inbound.From, "error", err)
			return
		}
		slog.Info("ResponseHandler.HandleInbound: contact created", "contactID", contact.ID, "from", inbound.From)
	}

	conv, err := h.store.GetConversationByContact(contact.ID)
	if err != nil {
		slog.Error("ResponseHandler.HandleInbound: conversation lookup failed", "contactID", contact.ID, "error", err)
		return
	}
	if conv == nil {
		conv = &models.ConversationContext{
			ConversationID: uuid.NewString(),
			FlowID:         h.defaultFlowID,
			ContactID:      contact.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := h.store.SaveConversation(*conv); err != nil {
			slog.Error("ResponseHandler.HandleInbound: failed to create conversation", "contactID", contact.ID, "error", err)
			return
		}
	}

	graph, err := h.store.GetFlow(conv.FlowID)
	if err != nil || graph == nil {
		slog.Error("ResponseHandler.HandleInbound: flow not found", "flowID", conv.FlowID, "error", err)
		return
	}

	outcome, err := h.runner.Execute(ctx, graph, conv, &inbound)
	if err != nil {
		slog.Error("ResponseHandler.HandleInbound: flow run failed", "conversationID", conv.ConversationID, "error", err)
		return
	}
	slog.Debug("ResponseHandler.HandleInbound: flow run finished", "conversationID", conv.ConversationID, "outcome", outcome)
}

// statusRank orders message statuses so receipts can only advance them.
func statusRank(s models.MessageStatus) int {
	switch s {
	case models.MessageStatusPending:
		return 0
	case models.MessageStatusSent:
		return 1
	case models.MessageStatusDelivered:
		return 2
	case models.MessageStatusRead:
		return 3
	default:
		return -1
	}
}

// HandleReceipt correlates a delivery receipt with the recipient's latest
// campaign message and advances its status. Out-of-order receipts never
// downgrade a status.
func (h *ResponseHandler) HandleReceipt(receipt models.Receipt) {
	if receipt.Status != models.MessageStatusDelivered && receipt.Status != models.MessageStatusRead {
		return
	}
	m, err := h.store.LatestCampaignMessageForRecipient(receipt.To)
	if err != nil {
		slog.Error("ResponseHandler.HandleReceipt: lookup failed", "to", receipt.To, "error", err)
		return
	}
	if m == nil {
		slog.Debug("ResponseHandler.HandleReceipt: no campaign message for recipient", "to", receipt.To)
		return
	}
	if statusRank(receipt.Status) <= statusRank(m.Status) {
		return
	}

	m.Status = receipt.Status
	m.UpdatedAt = time.Now()
	if err := h.store.UpdateCampaignMessage(*m); err != nil {
		slog.Error("ResponseHandler.HandleReceipt: failed to update message", "messageID", m.ID, "error", err)
		return
	}
	var delivered, read int
	switch receipt.Status {
	case models.MessageStatusDelivered:
		delivered = 1
	case models.MessageStatusRead:
		read = 1
	}
	if err := h.store.AddCampaignCounts(m.CampaignID, 0, delivered, read, 0); err != nil {
		slog.Error("ResponseHandler.HandleReceipt: failed to update campaign counts", "campaignID", m.CampaignID, "error", err)
	}
	slog.Debug("ResponseHandler.HandleReceipt: campaign message advanced", "messageID", m.ID, "status", m.Status)
}
