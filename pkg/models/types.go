package models

import "time"

// Conversation status values. Status drives routing; AgentStatus is a
// diagnostic annotation and is never used to decide behavior.
const (
	StatusOpen      = "open"
	StatusEscalated = "escalated"
	StatusResolved  = "resolved"
)

// Agent status values.
const (
	AgentProcessing = "processing"
	AgentConfident  = "confident"
	AgentEscalated  = "escalated"
	AgentResolved   = "resolved"
	AgentTimedOut   = "timed_out"
)

// Message roles.
const (
	RoleUser       = "user"
	RoleAgent      = "agent"
	RoleSupervisor = "supervisor"
	RoleSystem     = "system"
)

// Help request status values.
const (
	HelpPending    = "pending"
	HelpResolved   = "resolved"
	HelpUnresolved = "unresolved"
)

// Conversation is a single chat session between a customer and the agent.
type Conversation struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	AgentStatus string    `json:"agent_status"`
	Confidence  *float64  `json:"confidence,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message is one entry in a conversation. Messages are append-only and
// ordered by CreatedAt within their conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Confidence     *float64  `json:"confidence,omitempty"`
	IsEscalated    bool      `json:"is_escalated"`
	CreatedAt      time.Time `json:"created_at"`
}

// Escalation records a low-confidence agent answer handed to a supervisor.
// At most one escalation exists per conversation; re-escalation overwrites
// the existing record instead of creating a second one.
type Escalation struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	AgentResponse  string     `json:"agent_response"`
	Reason         string     `json:"reason"`
	Resolved       bool       `json:"resolved"`
	TimedOut       bool       `json:"timed_out"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	SupervisorNote string     `json:"supervisor_note,omitempty"`
	TimeoutAt      *time.Time `json:"timeout_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Pending reports whether the escalation is still awaiting a terminal
// transition (manual resolution or timeout).
func (e Escalation) Pending() bool {
	return !e.Resolved && !e.TimedOut
}

// HelpRequest is a standalone ask-a-human ticket with its own, longer
// timeout window. It is independent of the conversation flow.
type HelpRequest struct {
	ID            string     `json:"id"`
	CustomerName  string     `json:"customer_name"`
	CustomerEmail string     `json:"customer_email"`
	Question      string     `json:"question"`
	Status        string     `json:"status"`
	TimeoutAt     *time.Time `json:"timeout_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HelpRequestHistory is one supervisor-visible annotation on a help request.
type HelpRequestHistory struct {
	ID            string    `json:"id"`
	HelpRequestID string    `json:"help_request_id"`
	Comment       string    `json:"comment"`
	CreatedAt     time.Time `json:"created_at"`
}

// AgentReply is what the automated responder returns for one user message.
type AgentReply struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// EscalationEvent is the payload of the new-escalation bus event sent to the
// supervisors topic. It carries the full message history so a supervisor can
// triage without an extra fetch.
type EscalationEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	AgentResponse  string         `json:"agentResponse"`
	Reason         string         `json:"reason"`
	Resolved       bool           `json:"resolved"`
	Messages       []EventMessage `json:"messages"`
}

// EventMessage is the trimmed message shape embedded in bus events.
type EventMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResolvedEvent is the payload of the escalation-resolved bus event. The same
// event is emitted for manual resolution and for timeout; consumers re-fetch
// the escalation to tell the two apart.
type ResolvedEvent struct {
	EscalationID string `json:"escalationId"`
}

// PendingTimeout pairs an id with its persisted absolute deadline, used to
// re-arm timers after a restart.
type PendingTimeout struct {
	ID       string
	Deadline time.Time
}
