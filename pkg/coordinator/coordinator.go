// Package coordinator contains the single authority over conversation,
// message and escalation state. It decides when a conversation escalates,
// arms the timeout race, and applies whichever terminal transition (manual
// resolution or timeout) claims the escalation first.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chat-escalation-service/pkg/config"
	"chat-escalation-service/pkg/decision"
	"chat-escalation-service/pkg/metrics"
	"chat-escalation-service/pkg/models"
	"chat-escalation-service/pkg/scheduler"
	"chat-escalation-service/pkg/store"
)

const (
	reasonLowConfidence = "Low confidence score"

	escalatedReply = "I'm not entirely sure about this. Let me escalate this to our supervisor team. They'll get back to you shortly."

	apologyReply      = "I'm having trouble processing that. Please try again or let me connect you with a human agent."
	apologyConfidence = 0.2

	timeoutNote          = "Automatically marked as unresolved - no supervisor response within the response window"
	timeoutSystemMessage = "This escalation was automatically marked as unresolved because no supervisor responded within the response window."
)

// ErrEmptyMessage is returned when a chat or resolution call is missing its
// required text.
var ErrEmptyMessage = errors.New("message must not be empty")

// ErrNotFound mirrors the store's sentinel so callers don't need to import
// the store package to classify failures.
var ErrNotFound = store.ErrNotFound

// Store is the durable record store the coordinator mutates. Implemented by
// store.Redis; tests substitute an in-memory fake.
type Store interface {
	CreateConversation(ctx context.Context) (models.Conversation, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	SetConversationState(ctx context.Context, id, status, agentStatus string, confidence *float64) error
	AppendMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)

	UpsertEscalation(ctx context.Context, conversationID, agentResponse, reason string) (models.Escalation, error)
	GetEscalation(ctx context.Context, id string) (models.Escalation, error)
	ListEscalations(ctx context.Context) ([]models.Escalation, error)
	SetEscalationDeadline(ctx context.Context, id string, deadline time.Time) error
	MarkEscalationResolved(ctx context.Context, id, note string, at time.Time) (bool, error)
	MarkEscalationTimedOut(ctx context.Context, id, note string) (bool, error)
	PendingEscalations(ctx context.Context) ([]models.PendingTimeout, error)

	CreateHelpRequest(ctx context.Context, name, email, question string) (models.HelpRequest, error)
	GetHelpRequest(ctx context.Context, id string) (models.HelpRequest, error)
	ListHelpRequests(ctx context.Context) ([]models.HelpRequest, error)
	SetHelpRequestDeadline(ctx context.Context, id string, deadline time.Time) error
	MarkHelpRequestResolved(ctx context.Context, id string) (bool, error)
	MarkHelpRequestUnresolved(ctx context.Context, id string) (bool, error)
	AppendHelpRequestHistory(ctx context.Context, id, comment string) error
	ListHelpRequestHistory(ctx context.Context, id string) ([]models.HelpRequestHistory, error)
	PendingHelpRequests(ctx context.Context) ([]models.PendingTimeout, error)
}

// Bus delivers lifecycle events to subscribed supervisor clients.
type Bus interface {
	PublishNewEscalation(ctx context.Context, event models.EscalationEvent) error
	PublishEscalationResolved(ctx context.Context, escalationID string) error
}

// Responder is the automated first-line answerer.
type Responder interface {
	Respond(ctx context.Context, conversationID, text string) (models.AgentReply, error)
}

type Coordinator struct {
	store        Store
	bus          Bus
	responder    Responder
	escalations  *scheduler.Scheduler
	helpRequests *scheduler.Scheduler
	config       *config.Config
	logger       *logrus.Logger
	metrics      *metrics.Metrics
}

// New wires the coordinator and registers it as the fire handler of both
// schedulers.
func New(st Store, bus Bus, responder Responder, escalations, helpRequests *scheduler.Scheduler,
	cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) *Coordinator {

	c := &Coordinator{
		store:        st,
		bus:          bus,
		responder:    responder,
		escalations:  escalations,
		helpRequests: helpRequests,
		config:       cfg,
		logger:       logger,
		metrics:      m,
	}
	escalations.OnFire(c.HandleTimeout)
	helpRequests.OnFire(c.HandleHelpRequestTimeout)
	return c
}

// ChatResult is the response to a handled chat message.
type ChatResult struct {
	Message            models.Message `json:"message"`
	ConversationID     string         `json:"conversationId"`
	ConversationStatus string         `json:"conversationStatus"`
}

// PollResult is the read-only conversation view for clients without a live
// bus subscription.
type PollResult struct {
	Status   string           `json:"status"`
	Messages []models.Message `json:"messages"`
}

// EscalationView is an escalation plus its conversation's message history,
// as served to supervisors.
type EscalationView struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversationId"`
	AgentResponse  string                `json:"agentResponse"`
	Reason         string                `json:"reason"`
	Resolved       bool                  `json:"resolved"`
	TimedOut       bool                  `json:"timedOut"`
	Messages       []models.EventMessage `json:"messages"`
}

// HandleMessage runs the intake path: resolve or create the conversation,
// persist the user message, answer it, and escalate when the responder's
// confidence falls below the threshold. When the store is unreachable it
// degrades to a direct answer with no persistence, no timer and no publish.
func (c *Coordinator) HandleMessage(ctx context.Context, conversationID, text string) (ChatResult, error) {
	if strings.TrimSpace(text) == "" {
		return ChatResult{}, ErrEmptyMessage
	}

	result, err := c.handleMessage(ctx, conversationID, text)
	if err != nil {
		c.logger.WithError(err).Error("Store unavailable, serving degraded chat response")
		c.metrics.DegradedResponses.Inc()
		c.metrics.MessagesHandled.WithLabelValues("degraded").Inc()
		return c.degradedResult(ctx, text), nil
	}
	return result, nil
}

func (c *Coordinator) handleMessage(ctx context.Context, conversationID, text string) (ChatResult, error) {
	conv, err := c.resolveConversation(ctx, conversationID)
	if err != nil {
		return ChatResult{}, err
	}

	if _, err := c.store.AppendMessage(ctx, models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        text,
	}); err != nil {
		return ChatResult{}, err
	}

	reply := c.respond(ctx, conv.ID, text)
	c.metrics.ResponderConfidence.Observe(reply.Confidence)

	if decision.ShouldEscalate(reply.Confidence) {
		return c.escalate(ctx, conv, reply)
	}

	// Confident answer: annotate the conversation and return the reply.
	if err := c.store.SetConversationState(ctx, conv.ID, conv.Status, models.AgentConfident, &reply.Confidence); err != nil {
		c.logger.WithError(err).WithField("conversation_id", conv.ID).Error("Failed to update conversation state")
	}

	agentMsg := c.appendAgentMessage(ctx, models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAgent,
		Content:        reply.Text,
		Confidence:     &reply.Confidence,
	})

	c.metrics.MessagesHandled.WithLabelValues("confident").Inc()
	return ChatResult{
		Message:            agentMsg,
		ConversationID:     conv.ID,
		ConversationStatus: conv.Status,
	}, nil
}

// escalate runs the escalation leg of the intake path. Ordering matters for
// external observers: the escalation record and its publish happen before the
// conversation flips to escalated, so a poller never sees status=escalated
// without a matching escalation.
func (c *Coordinator) escalate(ctx context.Context, conv models.Conversation, reply models.AgentReply) (ChatResult, error) {
	esc, err := c.store.UpsertEscalation(ctx, conv.ID, reply.Text, reasonLowConfidence)
	if err != nil {
		return ChatResult{}, err
	}
	c.metrics.EscalationsCreated.Inc()

	history, err := c.store.ListMessages(ctx, conv.ID)
	if err != nil {
		c.logger.WithError(err).WithField("conversation_id", conv.ID).Warn("Failed to load history for escalation event")
	}
	if err := c.bus.PublishNewEscalation(ctx, models.EscalationEvent{
		ID:             esc.ID,
		ConversationID: esc.ConversationID,
		AgentResponse:  esc.AgentResponse,
		Reason:         esc.Reason,
		Resolved:       esc.Resolved,
		Messages:       toEventMessages(history),
	}); err != nil {
		// Publish is best effort; supervisors can still poll the record.
		c.logger.WithError(err).WithField("escalation_id", esc.ID).Warn("Failed to publish new-escalation event")
	}

	c.escalations.Arm(ctx, esc.ID, c.config.EscalationTimeout())

	if err := c.store.SetConversationState(ctx, conv.ID, models.StatusEscalated, models.AgentEscalated, nil); err != nil {
		c.logger.WithError(err).WithField("conversation_id", conv.ID).Error("Failed to mark conversation escalated")
	}

	agentMsg := c.appendAgentMessage(ctx, models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAgent,
		Content:        escalatedReply,
		Confidence:     &reply.Confidence,
		IsEscalated:    true,
	})

	c.logger.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"escalation_id":   esc.ID,
		"confidence":      reply.Confidence,
	}).Info("Escalated conversation to supervisors")

	c.metrics.MessagesHandled.WithLabelValues("escalated").Inc()
	return ChatResult{
		Message:            agentMsg,
		ConversationID:     conv.ID,
		ConversationStatus: models.StatusEscalated,
	}, nil
}

// resolveConversation finds the conversation for an intake call, creating a
// fresh one when no id was given or the id is unknown, and reopening it when
// a new user message arrives after resolution.
func (c *Coordinator) resolveConversation(ctx context.Context, id string) (models.Conversation, error) {
	if id != "" {
		conv, err := c.store.GetConversation(ctx, id)
		switch {
		case err == nil:
			if conv.Status == models.StatusResolved {
				if err := c.store.SetConversationState(ctx, conv.ID, models.StatusOpen, models.AgentProcessing, nil); err != nil {
					return models.Conversation{}, err
				}
				conv.Status = models.StatusOpen
				conv.AgentStatus = models.AgentProcessing
				c.logger.WithField("conversation_id", conv.ID).Info("Reopened resolved conversation")
			}
			return conv, nil
		case errors.Is(err, store.ErrNotFound):
			// Unknown id, fall through and start fresh.
		default:
			return models.Conversation{}, err
		}
	}
	return c.store.CreateConversation(ctx)
}

// respond never fails: a responder error is replaced by a low-confidence
// apology, which by construction escalates.
func (c *Coordinator) respond(ctx context.Context, conversationID, text string) models.AgentReply {
	reply, err := c.responder.Respond(ctx, conversationID, text)
	if err != nil {
		c.logger.WithError(err).Warn("Responder failed, substituting apology reply")
		return models.AgentReply{Text: apologyReply, Confidence: apologyConfidence}
	}
	return reply
}

func (c *Coordinator) appendAgentMessage(ctx context.Context, msg models.Message) models.Message {
	saved, err := c.store.AppendMessage(ctx, msg)
	if err != nil {
		c.logger.WithError(err).WithField("conversation_id", msg.ConversationID).Error("Failed to persist agent message")
		msg.ID = uuid.New().String()
		msg.CreatedAt = time.Now()
		return msg
	}
	return saved
}

// degradedResult answers directly from the responder without touching the
// store. Never arms a timer and never publishes.
func (c *Coordinator) degradedResult(ctx context.Context, text string) ChatResult {
	reply := c.respond(ctx, "temp", text)
	return ChatResult{
		Message: models.Message{
			ID:         "temp-" + uuid.New().String(),
			Role:       models.RoleAgent,
			Content:    reply.Text,
			Confidence: &reply.Confidence,
			CreatedAt:  time.Now(),
		},
		ConversationID:     "temp",
		ConversationStatus: models.StatusOpen,
	}
}

// ResolveEscalation applies a supervisor's answer. It returns false when the
// escalation already left the pending state (the timeout won, or it was
// resolved before); the losing call has no side effects.
func (c *Coordinator) ResolveEscalation(ctx context.Context, escalationID, supervisorText string) (bool, error) {
	if strings.TrimSpace(supervisorText) == "" {
		return false, ErrEmptyMessage
	}

	claimed, err := c.store.MarkEscalationResolved(ctx, escalationID, supervisorText, time.Now())
	if err != nil {
		return false, err
	}
	if !claimed {
		c.logger.WithField("escalation_id", escalationID).Info("Resolution lost the terminal race, suppressing effects")
		return false, nil
	}

	esc, err := c.store.GetEscalation(ctx, escalationID)
	if err != nil {
		c.logger.WithError(err).WithField("escalation_id", escalationID).Error("Resolved escalation vanished, abandoning follow-up effects")
		return true, nil
	}

	confidence := 1.0
	if _, err := c.store.AppendMessage(ctx, models.Message{
		ConversationID: esc.ConversationID,
		Role:           models.RoleSupervisor,
		Content:        supervisorText,
		Confidence:     &confidence,
	}); err != nil {
		c.logger.WithError(err).WithField("escalation_id", escalationID).Error("Failed to persist supervisor message")
	}

	if err := c.store.SetConversationState(ctx, esc.ConversationID, models.StatusResolved, models.AgentResolved, nil); err != nil {
		c.logger.WithError(err).WithField("conversation_id", esc.ConversationID).Error("Failed to mark conversation resolved")
	}

	c.escalations.Disarm(escalationID)

	if err := c.bus.PublishEscalationResolved(ctx, escalationID); err != nil {
		c.logger.WithError(err).WithField("escalation_id", escalationID).Warn("Failed to publish escalation-resolved event")
	}

	c.metrics.EscalationsTerminated.WithLabelValues("resolved").Inc()
	c.logger.WithField("escalation_id", escalationID).Info("Escalation resolved by supervisor")
	return true, nil
}

// HandleTimeout is the escalation scheduler's fire handler. It runs on the
// timer goroutine and must be idempotent against a concurrent manual
// resolution; the store's terminal claim decides the winner.
func (c *Coordinator) HandleTimeout(escalationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claimed, err := c.store.MarkEscalationTimedOut(ctx, escalationID, timeoutNote)
	if err != nil {
		c.logger.WithError(err).WithField("escalation_id", escalationID).Error("Failed to apply escalation timeout, abandoning")
		return
	}
	if !claimed {
		c.logger.WithField("escalation_id", escalationID).Debug("Timeout lost the terminal race, suppressing effects")
		return
	}

	esc, err := c.store.GetEscalation(ctx, escalationID)
	if err != nil {
		c.logger.WithError(err).WithField("escalation_id", escalationID).Error("Failed to load timed-out escalation, abandoning follow-up effects")
		return
	}

	// The conversation stays escalated; only the agent status records the
	// missed window.
	if err := c.store.SetConversationState(ctx, esc.ConversationID, models.StatusEscalated, models.AgentTimedOut, nil); err != nil {
		c.logger.WithError(err).WithField("conversation_id", esc.ConversationID).Error("Failed to flag conversation as timed out")
	}

	if _, err := c.store.AppendMessage(ctx, models.Message{
		ConversationID: esc.ConversationID,
		Role:           models.RoleSystem,
		Content:        timeoutSystemMessage,
	}); err != nil {
		c.logger.WithError(err).WithField("conversation_id", esc.ConversationID).Error("Failed to persist timeout system message")
	}

	if err := c.bus.PublishEscalationResolved(ctx, escalationID); err != nil {
		c.logger.WithError(err).WithField("escalation_id", escalationID).Warn("Failed to publish escalation-resolved event")
	}

	c.metrics.EscalationsTerminated.WithLabelValues("timed_out").Inc()
	c.logger.WithField("escalation_id", escalationID).Info("Escalation timed out without supervisor response")
}

// PollConversation is the read-only view for chat clients.
func (c *Coordinator) PollConversation(ctx context.Context, id string) (PollResult, error) {
	conv, err := c.store.GetConversation(ctx, id)
	if err != nil {
		return PollResult{}, err
	}
	messages, err := c.store.ListMessages(ctx, id)
	if err != nil {
		return PollResult{}, err
	}
	return PollResult{Status: conv.Status, Messages: messages}, nil
}

// ListEscalations returns every escalation with its message history, newest
// first.
func (c *Coordinator) ListEscalations(ctx context.Context) ([]EscalationView, error) {
	escalations, err := c.store.ListEscalations(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]EscalationView, 0, len(escalations))
	for _, esc := range escalations {
		messages, err := c.store.ListMessages(ctx, esc.ConversationID)
		if err != nil {
			return nil, err
		}
		views = append(views, EscalationView{
			ID:             esc.ID,
			ConversationID: esc.ConversationID,
			AgentResponse:  esc.AgentResponse,
			Reason:         esc.Reason,
			Resolved:       esc.Resolved,
			TimedOut:       esc.TimedOut,
			Messages:       toEventMessages(messages),
		})
	}
	return views, nil
}

// Restore re-arms timers for everything that was pending when the process
// last stopped. Called once at startup.
func (c *Coordinator) Restore(ctx context.Context) {
	if pending, err := c.store.PendingEscalations(ctx); err != nil {
		c.logger.WithError(err).Error("Failed to load pending escalations for restore")
	} else {
		c.escalations.Restore(ctx, pending)
	}

	if pending, err := c.store.PendingHelpRequests(ctx); err != nil {
		c.logger.WithError(err).Error("Failed to load pending help requests for restore")
	} else {
		c.helpRequests.Restore(ctx, pending)
	}
}

func toEventMessages(messages []models.Message) []models.EventMessage {
	out := make([]models.EventMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, models.EventMessage{ID: msg.ID, Role: msg.Role, Content: msg.Content})
	}
	return out
}
