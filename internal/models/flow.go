// Package models defines flow graph types shared across modules.
package models

import (
	"fmt"
	"time"
)

// NodeType represents a specific type of flow graph node.
type NodeType string

const (
	// NodeTypeTrigger matches inbound messages to decide flow entry.
	NodeTypeTrigger NodeType = "trigger"
	// NodeTypeSendMessage sends an interpolated template to the contact.
	NodeTypeSendMessage NodeType = "send_message"
	// NodeTypeAskQuestion sends a prompt and suspends until the contact replies.
	NodeTypeAskQuestion NodeType = "ask_question"
	// NodeTypeCondition branches on a variable comparison.
	NodeTypeCondition NodeType = "condition"
	// NodeTypeDelay pauses the flow, in-process or via a persisted resume marker.
	NodeTypeDelay NodeType = "delay"
	// NodeTypeSetVariable assigns a value to a conversation variable.
	NodeTypeSetVariable NodeType = "set_variable"
	// NodeTypeHTTPRequest calls an external endpoint and stores the result.
	NodeTypeHTTPRequest NodeType = "http_request"
	// NodeTypeAIReply generates a reply with the GenAI client and sends it.
	NodeTypeAIReply NodeType = "ai_reply"
	// NodeTypeAssignToHuman hands the conversation over to a human agent.
	NodeTypeAssignToHuman NodeType = "assign_to_human"
	// NodeTypeEnd terminates the flow run.
	NodeTypeEnd NodeType = "end"
)

// IsValidNodeType checks if the given node type is supported.
func IsValidNodeType(nt NodeType) bool {
	switch nt {
	case NodeTypeTrigger, NodeTypeSendMessage, NodeTypeAskQuestion, NodeTypeCondition,
		NodeTypeDelay, NodeTypeSetVariable, NodeTypeHTTPRequest, NodeTypeAIReply,
		NodeTypeAssignToHuman, NodeTypeEnd:
		return true
	default:
		return false
	}
}

// TriggerKind defines how a trigger node matches inbound messages.
type TriggerKind string

const (
	// TriggerAnyMessage matches every inbound message.
	TriggerAnyMessage TriggerKind = "any_message"
	// TriggerKeyword matches when any configured keyword appears in the message.
	TriggerKeyword TriggerKind = "keyword"
	// TriggerNewConversation matches only a contact with no flow history.
	TriggerNewConversation TriggerKind = "new_conversation"
)

// ValidatorKind defines how an ask_question node validates the reply.
type ValidatorKind string

const (
	// ValidatorText accepts any non-empty reply.
	ValidatorText ValidatorKind = "text"
	// ValidatorNumber accepts replies that parse as a number.
	ValidatorNumber ValidatorKind = "number"
	// ValidatorEmail accepts replies matching an email address pattern.
	ValidatorEmail ValidatorKind = "email"
	// ValidatorPhone accepts replies matching an E.164 phone number.
	ValidatorPhone ValidatorKind = "phone"
)

// ConditionOp defines the comparison performed by a condition node.
type ConditionOp string

const (
	OpEquals      ConditionOp = "equals"
	OpContains    ConditionOp = "contains"
	OpGreaterThan ConditionOp = "greater_than"
	OpLessThan    ConditionOp = "less_than"
	OpIsEmpty     ConditionOp = "is_empty"
)

// NodeData carries the per-type configuration of a flow node. Only the
// fields relevant to the node's type are populated; the graph format keeps
// a single flat data object per node.
type NodeData struct {
	// Trigger configuration
	TriggerKind TriggerKind `json:"trigger_kind,omitempty"`
	Keywords    []string    `json:"keywords,omitempty"`

	// Message body for send_message, ask_question prompts, parting messages
	Body string `json:"body,omitempty"`

	// ask_question configuration
	Validator ValidatorKind `json:"validator,omitempty"`
	Variable  string        `json:"variable,omitempty"`

	// condition configuration; branch targets bypass normal edge lookup
	Operator    ConditionOp `json:"operator,omitempty"`
	Value       string      `json:"value,omitempty"`
	TrueTarget  string      `json:"true_target,omitempty"`
	FalseTarget string      `json:"false_target,omitempty"`

	// delay configuration in milliseconds
	DelayMs int64 `json:"delay_ms,omitempty"`

	// http_request configuration; the response is stored under Variable
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// ai_reply configuration
	SystemPrompt string `json:"system_prompt,omitempty"`
	Fallback     string `json:"fallback,omitempty"`
}

// Node is a single step in a flow graph.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Data NodeData `json:"data"`
}

// Edge connects two nodes in a flow graph.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// FlowGraph is an immutable declarative conversation definition.
type FlowGraph struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Validate checks graph structural integrity: known node types and edge
// endpoints that reference existing nodes.
func (g *FlowGraph) Validate() error {
	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if !IsValidNodeType(n.Type) {
			return fmt.Errorf("node %s: %w: %s", n.ID, ErrInvalidNodeType, n.Type)
		}
		ids[n.ID] = true
	}
	for _, e := range g.Edges {
		if !ids[e.Source] {
			return fmt.Errorf("edge source %s: %w", e.Source, ErrUnknownNode)
		}
		if !ids[e.Target] {
			return fmt.Errorf("edge target %s: %w", e.Target, ErrUnknownNode)
		}
	}
	return nil
}

// FindNode returns the node with the given id, or nil if absent.
func (g *FlowGraph) FindNode(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// TriggerNodes returns trigger nodes in declaration order.
func (g *FlowGraph) TriggerNodes() []Node {
	var triggers []Node
	for _, n := range g.Nodes {
		if n.Type == NodeTypeTrigger {
			triggers = append(triggers, n)
		}
	}
	return triggers
}

// NextNode returns the target of the first edge leaving the given node,
// or empty if the node has no outgoing edge.
func (g *FlowGraph) NextNode(id string) string {
	for _, e := range g.Edges {
		if e.Source == id {
			return e.Target
		}
	}
	return ""
}

// ConversationContext holds the durable execution state of one conversation.
// It is created on the first inbound message for a contact, mutated only by
// the flow engine, and never deleted (the flow history doubles as an audit
// trail).
type ConversationContext struct {
	ConversationID string            `json:"conversation_id"`
	FlowID         string            `json:"flow_id"`
	ContactID      string            `json:"contact_id"`
	CurrentNodeID  string            `json:"current_node_id,omitempty"`
	WaitingFor     string            `json:"waiting_for,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
	FlowHistory    []string          `json:"flow_history,omitempty"`
	ResumeAt       *time.Time        `json:"resume_at,omitempty"`
	HumanHandled   bool              `json:"human_handled,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// SetVariable assigns a conversation variable, allocating the map lazily.
func (c *ConversationContext) SetVariable(key, value string) {
	if c.Variables == nil {
		c.Variables = make(map[string]string)
	}
	c.Variables[key] = value
}

// RecordVisit appends a node id to the ordered flow history.
func (c *ConversationContext) RecordVisit(nodeID string) {
	c.FlowHistory = append(c.FlowHistory, nodeID)
}
