package flow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/store"
)

const (
	// DefaultStepLimit caps the number of nodes a single run may execute.
	DefaultStepLimit = 100
	// DefaultDelayThreshold separates in-process waits from persisted resume markers.
	DefaultDelayThreshold = 30 * time.Second
	// DefaultHTTPTimeout bounds http_request node calls.
	DefaultHTTPTimeout = 10 * time.Second
	// DefaultHTTPCacheTTL is how long cached GET responses stay fresh.
	DefaultHTTPCacheTTL = 15 * time.Minute
	// DefaultFallbackMessage is sent when a run aborts on an internal error.
	DefaultFallbackMessage = "Sorry, something went wrong on our side. Please try again later."

	// maxHTTPResponseBytes caps how much of an http_request response is stored.
	maxHTTPResponseBytes = 64 * 1024
)

// Outcome describes how a flow run ended.
type Outcome string

const (
	// OutcomeEnded means the run reached an end node or ran out of edges.
	OutcomeEnded Outcome = "ended"
	// OutcomeWaitingInput means the run suspended on an ask_question node.
	OutcomeWaitingInput Outcome = "waiting_input"
	// OutcomeDeferred means the run suspended on a long delay with a resume marker.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeStepLimit means the run was aborted after executing too many nodes.
	OutcomeStepLimit Outcome = "step_limit"
	// OutcomeNoTrigger means no trigger node matched the inbound message.
	OutcomeNoTrigger Outcome = "no_trigger"
)

// Sender delivers an outbound message to a canonical recipient.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// ReplyGenerator produces a GenAI reply for an ai_reply node.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, systemPrompt, userText string) (string, error)
}

// FailureRecorder records a failed send for later backoff-scheduled retry.
type FailureRecorder interface {
	Add(ctx context.Context, scope string, messageType models.DeadLetterMessageType, recipient, payload string, sendErr error) (string, error)
}

// Engine interprets flow graphs against durable conversation state.
type Engine struct {
	store      store.Store
	sender     Sender
	genai      ReplyGenerator
	failures   FailureRecorder
	httpClient *http.Client

	stepLimit      int
	delayThreshold time.Duration
	cacheTTL       time.Duration
	fallback       string
	now            func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithGenAI supplies the reply generator used by ai_reply nodes.
func WithGenAI(g ReplyGenerator) Option {
	return func(e *Engine) { e.genai = g }
}

// WithFailureRecorder supplies the dead-letter recorder for failed sends.
func WithFailureRecorder(f FailureRecorder) Option {
	return func(e *Engine) { e.failures = f }
}

// WithHTTPClient overrides the client used by http_request nodes.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithStepLimit overrides the per-run node execution cap.
func WithStepLimit(n int) Option {
	return func(e *Engine) { e.stepLimit = n }
}

// WithDelayThreshold overrides the in-process delay cutoff.
func WithDelayThreshold(d time.Duration) Option {
	return func(e *Engine) { e.delayThreshold = d }
}

// WithClock overrides the engine's time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a flow engine backed by the given store and sender.
func NewEngine(st store.Store, sender Sender, opts ...Option) *Engine {
	e := &Engine{
		store:          st,
		sender:         sender,
		httpClient:     &http.Client{Timeout: DefaultHTTPTimeout},
		stepLimit:      DefaultStepLimit,
		delayThreshold: DefaultDelayThreshold,
		cacheTTL:       DefaultHTTPCacheTTL,
		fallback:       DefaultFallbackMessage,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute advances the conversation through the graph until it ends or
// suspends. inbound is nil when the run is resumed by the scheduler after a
// long delay. Durable state is persisted at every suspension point and at
// run end.
func (e *Engine) Execute(ctx context.Context, graph *models.FlowGraph, conv *models.ConversationContext, inbound *models.InboundMessage) (Outcome, error) {
	if conv.HumanHandled {
		slog.Debug("Engine.Execute: conversation handed to human, skipping", "conversationID", conv.ConversationID)
		return OutcomeEnded, nil
	}

	contact, err := e.store.GetContact(conv.ContactID)
	if err != nil {
		return OutcomeEnded, fmt.Errorf("failed to load contact %s: %w", conv.ContactID, err)
	}
	if contact == nil {
		return OutcomeEnded, fmt.Errorf("contact %s not found", conv.ContactID)
	}
	recipient := contact.Phone
	runStart := e.now()
	if inbound != nil {
		// ai_reply nodes and templates can reference the latest inbound text.
		conv.SetVariable("last_message", inbound.Body)
	}

	// A suspended question consumes the inbound message as its answer.
	if conv.WaitingFor != "" {
		if inbound == nil {
			return OutcomeWaitingInput, nil
		}
		outcome, resumed, err := e.consumeAnswer(ctx, graph, conv, recipient, inbound.Body)
		if !resumed {
			return outcome, err
		}
	} else if conv.CurrentNodeID == "" {
		if inbound == nil {
			return OutcomeEnded, nil
		}
		if !e.resolveTrigger(graph, conv, inbound) {
			slog.Debug("Engine.Execute: no trigger matched", "conversationID", conv.ConversationID, "flowID", graph.ID)
			return OutcomeNoTrigger, nil
		}
	}

	for steps := 0; ; steps++ {
		if steps >= e.stepLimit {
			slog.Error("Engine.Execute: step limit exceeded, aborting run",
				"conversationID", conv.ConversationID, "flowID", graph.ID, "limit", e.stepLimit)
			e.send(ctx, conv, recipient, e.fallback)
			return e.finish(conv, OutcomeStepLimit)
		}
		if conv.CurrentNodeID == "" {
			return e.finish(conv, OutcomeEnded)
		}
		node := graph.FindNode(conv.CurrentNodeID)
		if node == nil {
			slog.Error("Engine.Execute: current node missing from graph",
				"conversationID", conv.ConversationID, "nodeID", conv.CurrentNodeID)
			return e.finish(conv, OutcomeEnded)
		}
		conv.RecordVisit(node.ID)

		outcome, suspended, err := e.step(ctx, graph, conv, node, recipient, runStart)
		if err != nil {
			e.send(ctx, conv, recipient, e.fallback)
			if _, ferr := e.finish(conv, outcome); ferr != nil {
				slog.Error("Engine.Execute: failed to persist state after error",
					"conversationID", conv.ConversationID, "error", ferr)
			}
			return outcome, err
		}
		if suspended {
			return outcome, nil
		}
	}
}

// step executes one node and advances CurrentNodeID. suspended is true when
// the run must stop without finishing (waiting for input or deferred).
func (e *Engine) step(ctx context.Context, graph *models.FlowGraph, conv *models.ConversationContext, node *models.Node, recipient string, runStart time.Time) (Outcome, bool, error) {
	switch node.Type {
	case models.NodeTypeTrigger:
		// Reached as an edge target mid-run; pass through.
		conv.CurrentNodeID = graph.NextNode(node.ID)
		return OutcomeEnded, false, nil

	case models.NodeTypeSendMessage:
		e.send(ctx, conv, recipient, Interpolate(node.Data.Body, conv.Variables))
		conv.CurrentNodeID = graph.NextNode(node.ID)
		return OutcomeEnded, false, nil

	case models.NodeTypeAskQuestion:
		e.send(ctx, conv, recipient, Interpolate(node.Data.Body, conv.Variables))
		conv.WaitingFor = node.ID
		if err := e.persist(conv); err != nil {
			return OutcomeEnded, false, err
		}
		return OutcomeWaitingInput, true, nil

	case models.NodeTypeCondition:
		value := conv.Variables[node.Data.Variable]
		if EvaluateCondition(node.Data.Operator, value, node.Data.Value) {
			conv.CurrentNodeID = node.Data.TrueTarget
		} else {
			conv.CurrentNodeID = node.Data.FalseTarget
		}
		return OutcomeEnded, false, nil

	case models.NodeTypeDelay:
		d := time.Duration(node.Data.DelayMs) * time.Millisecond
		if d <= e.delayThreshold {
			select {
			case <-ctx.Done():
				return OutcomeEnded, false, ctx.Err()
			case <-time.After(d):
			}
			conv.CurrentNodeID = graph.NextNode(node.ID)
			return OutcomeEnded, false, nil
		}
		resumeAt := runStart.Add(d)
		conv.CurrentNodeID = graph.NextNode(node.ID)
		conv.ResumeAt = &resumeAt
		if err := e.persist(conv); err != nil {
			return OutcomeEnded, false, err
		}
		slog.Info("Engine.step: run deferred", "conversationID", conv.ConversationID,
			"resumeAt", resumeAt)
		return OutcomeDeferred, true, nil

	case models.NodeTypeSetVariable:
		conv.SetVariable(node.Data.Variable, Interpolate(node.Data.Value, conv.Variables))
		conv.CurrentNodeID = graph.NextNode(node.ID)
		return OutcomeEnded, false, nil

	case models.NodeTypeHTTPRequest:
		e.runHTTPRequest(ctx, conv, node)
		conv.CurrentNodeID = graph.NextNode(node.ID)
		return OutcomeEnded, false, nil

	case models.NodeTypeAIReply:
		e.runAIReply(ctx, conv, node, recipient)
		conv.CurrentNodeID = graph.NextNode(node.ID)
		return OutcomeEnded, false, nil

	case models.NodeTypeAssignToHuman:
		if node.Data.Body != "" {
			e.send(ctx, conv, recipient, Interpolate(node.Data.Body, conv.Variables))
		}
		conv.HumanHandled = true
		conv.CurrentNodeID = ""
		conv.WaitingFor = ""
		if err := e.persist(conv); err != nil {
			return OutcomeEnded, false, err
		}
		slog.Info("Engine.step: conversation assigned to human", "conversationID", conv.ConversationID)
		return OutcomeEnded, true, nil

	case models.NodeTypeEnd:
		conv.CurrentNodeID = ""
		return OutcomeEnded, false, nil

	default:
		return OutcomeEnded, false, fmt.Errorf("node %s: %w: %s", node.ID, models.ErrInvalidNodeType, node.Type)
	}
}

// consumeAnswer applies the inbound reply to the suspended question. resumed
// is true when the run should continue from the node after the question.
func (e *Engine) consumeAnswer(ctx context.Context, graph *models.FlowGraph, conv *models.ConversationContext, recipient, reply string) (Outcome, bool, error) {
	node := graph.FindNode(conv.WaitingFor)
	if node == nil {
		slog.Error("Engine.consumeAnswer: waiting node missing from graph",
			"conversationID", conv.ConversationID, "nodeID", conv.WaitingFor)
		conv.WaitingFor = ""
		conv.CurrentNodeID = ""
		out, err := e.finish(conv, OutcomeEnded)
		return out, false, err
	}
	if !ValidAnswer(node.Data.Validator, reply) {
		// Re-prompt and stay suspended.
		e.send(ctx, conv, recipient, Interpolate(node.Data.Body, conv.Variables))
		if err := e.persist(conv); err != nil {
			return OutcomeWaitingInput, false, err
		}
		return OutcomeWaitingInput, false, nil
	}
	if node.Data.Variable != "" {
		conv.SetVariable(node.Data.Variable, strings.TrimSpace(reply))
	}
	conv.WaitingFor = ""
	conv.CurrentNodeID = graph.NextNode(node.ID)
	return OutcomeEnded, true, nil
}

// resolveTrigger finds the first matching trigger in declaration order and
// positions the conversation after it. Returns false when nothing matched.
func (e *Engine) resolveTrigger(graph *models.FlowGraph, conv *models.ConversationContext, inbound *models.InboundMessage) bool {
	for _, trigger := range graph.TriggerNodes() {
		if !triggerMatches(trigger.Data, conv, inbound) {
			continue
		}
		conv.RecordVisit(trigger.ID)
		conv.CurrentNodeID = graph.NextNode(trigger.ID)
		return true
	}
	return false
}

func triggerMatches(data models.NodeData, conv *models.ConversationContext, inbound *models.InboundMessage) bool {
	switch data.TriggerKind {
	case models.TriggerAnyMessage:
		return true
	case models.TriggerKeyword:
		return ContainsKeyword(inbound.Body, data.Keywords)
	case models.TriggerNewConversation:
		return len(conv.FlowHistory) == 0
	default:
		return false
	}
}

// runHTTPRequest performs the node's call and stores the outcome under the
// node's variable. Failures never abort the run; the variable records the
// error instead.
func (e *Engine) runHTTPRequest(ctx context.Context, conv *models.ConversationContext, node *models.Node) {
	method := strings.ToUpper(node.Data.Method)
	if method == "" {
		method = http.MethodGet
	}
	url := Interpolate(node.Data.URL, conv.Variables)

	if method == http.MethodGet {
		if entry, err := e.store.GetCacheEntry(url); err == nil && entry != nil && !entry.Expired(e.now()) {
			if node.Data.Variable != "" {
				conv.SetVariable(node.Data.Variable, entry.Value)
			}
			slog.Debug("Engine.runHTTPRequest: cache hit", "url", url)
			return
		}
	}

	body, err := e.doHTTPRequest(ctx, method, url, node.Data.Headers)
	if err != nil {
		slog.Error("Engine.runHTTPRequest: request failed", "url", url, "error", err)
		if node.Data.Variable != "" {
			conv.SetVariable(node.Data.Variable, fmt.Sprintf(`{"error":%q}`, err.Error()))
		}
		return
	}
	if node.Data.Variable != "" {
		conv.SetVariable(node.Data.Variable, body)
	}
	if method == http.MethodGet {
		if err := e.store.PutCacheEntry(models.CacheEntry{
			Key:       url,
			Value:     body,
			ExpiresAt: e.now().Add(e.cacheTTL),
		}); err != nil {
			slog.Error("Engine.runHTTPRequest: failed to cache response", "url", url, "error", err)
		}
	}
}

func (e *Engine) doHTTPRequest(ctx context.Context, method, url string, headers map[string]string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return string(data), nil
}

// runAIReply generates and sends a GenAI reply, falling back to the node's
// static fallback text when generation is unavailable or fails.
func (e *Engine) runAIReply(ctx context.Context, conv *models.ConversationContext, node *models.Node, recipient string) {
	reply := ""
	if e.genai != nil {
		generated, err := e.genai.GenerateReply(ctx,
			Interpolate(node.Data.SystemPrompt, conv.Variables),
			conv.Variables["last_message"])
		if err != nil {
			slog.Error("Engine.runAIReply: generation failed", "conversationID", conv.ConversationID, "error", err)
		} else {
			reply = generated
		}
	}
	if reply == "" {
		reply = Interpolate(node.Data.Fallback, conv.Variables)
	}
	if reply == "" {
		return
	}
	e.send(ctx, conv, recipient, reply)
}

// send delivers one outbound message, recording a dead letter on failure.
// Send failures never abort the run.
func (e *Engine) send(ctx context.Context, conv *models.ConversationContext, recipient, body string) {
	if body == "" {
		return
	}
	if err := e.sender.SendMessage(ctx, recipient, body); err != nil {
		slog.Error("Engine.send: send failed", "conversationID", conv.ConversationID,
			"recipient", recipient, "error", err)
		if e.failures != nil {
			if _, derr := e.failures.Add(ctx, conv.ConversationID, models.DeadLetterFlowMessage, recipient, body, err); derr != nil {
				slog.Error("Engine.send: failed to record dead letter",
					"conversationID", conv.ConversationID, "error", derr)
			}
		}
	}
}

func (e *Engine) persist(conv *models.ConversationContext) error {
	conv.UpdatedAt = e.now()
	if err := e.store.SaveConversation(*conv); err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", conv.ConversationID, err)
	}
	return nil
}

func (e *Engine) finish(conv *models.ConversationContext, outcome Outcome) (Outcome, error) {
	conv.CurrentNodeID = ""
	conv.WaitingFor = ""
	if err := e.persist(conv); err != nil {
		return outcome, err
	}
	return outcome, nil
}
