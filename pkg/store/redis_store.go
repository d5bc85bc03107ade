// Package store is the Redis-backed durable store for conversations,
// messages, escalations and help requests.
//
// Layout:
//
//	conversation:{id}            hash of conversation fields
//	conversation:{id}:messages   list of message JSON, append-only
//	escalations_by_conversation  hash conversationID -> escalationID
//	escalation:{id}              hash of escalation fields
//	escalations                  zset of escalation ids scored by created_at
//	pending_escalations          zset of escalation ids scored by deadline
//	helprequest:{id}             hash of help request fields
//	helprequest:{id}:history     list of history JSON
//	help_requests                zset of help request ids scored by created_at
//	pending_help_requests        zset of help request ids scored by deadline
//
// The escalations_by_conversation hash enforces the one-escalation-per-
// conversation invariant: upsert claims the slot with HSETNX so two
// concurrent escalations of the same conversation agree on a single id.
// Terminal transitions (resolve vs. timeout) race through an HSETNX claim on
// the record's "terminal" field; whichever writer claims it first owns the
// transition and the loser becomes a no-op.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chat-escalation-service/pkg/metrics"
	"chat-escalation-service/pkg/models"
)

const (
	escalationIndexKey     = "escalations_by_conversation"
	escalationsKey         = "escalations"
	pendingEscalationsKey  = "pending_escalations"
	helpRequestsKey        = "help_requests"
	pendingHelpRequestsKey = "pending_help_requests"

	terminalResolved = "resolved"
	terminalTimedOut = "timed_out"
)

// ErrNotFound is returned when a conversation, escalation or help request id
// does not resolve to a stored record.
var ErrNotFound = errors.New("record not found")

type Redis struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRedis(rdb *redis.Client, logger *logrus.Logger, m *metrics.Metrics) *Redis {
	return &Redis{rdb: rdb, logger: logger, metrics: m}
}

func conversationKey(id string) string { return "conversation:" + id }
func messagesKey(convID string) string { return "conversation:" + convID + ":messages" }
func escalationKey(id string) string   { return "escalation:" + id }
func helpRequestKey(id string) string  { return "helprequest:" + id }
func helpHistoryKey(id string) string  { return "helprequest:" + id + ":history" }

func (s *Redis) observe(op string, start time.Time) {
	s.metrics.RedisOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// --- conversations ---

func (s *Redis) CreateConversation(ctx context.Context) (models.Conversation, error) {
	defer s.observe("create_conversation", time.Now())

	now := time.Now()
	conv := models.Conversation{
		ID:          uuid.New().String(),
		Status:      models.StatusOpen,
		AgentStatus: models.AgentProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.rdb.HSet(ctx, conversationKey(conv.ID),
		"id", conv.ID,
		"status", conv.Status,
		"agent_status", conv.AgentStatus,
		"created_at", now.UnixMilli(),
		"updated_at", now.UnixMilli(),
	).Err()
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}

	s.logger.WithField("conversation_id", conv.ID).Debug("Created conversation")
	return conv, nil
}

func (s *Redis) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	defer s.observe("get_conversation", time.Now())

	fields, err := s.rdb.HGetAll(ctx, conversationKey(id)).Result()
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to get conversation: %w", err)
	}
	if len(fields) == 0 {
		return models.Conversation{}, ErrNotFound
	}
	return parseConversation(fields), nil
}

// SetConversationState updates status, agent status and (when non-nil) the
// last confidence score of a conversation.
func (s *Redis) SetConversationState(ctx context.Context, id, status, agentStatus string, confidence *float64) error {
	defer s.observe("set_conversation_state", time.Now())

	values := []interface{}{
		"status", status,
		"agent_status", agentStatus,
		"updated_at", time.Now().UnixMilli(),
	}
	if confidence != nil {
		values = append(values, "confidence", strconv.FormatFloat(*confidence, 'f', -1, 64))
	}

	if err := s.rdb.HSet(ctx, conversationKey(id), values...).Err(); err != nil {
		return fmt.Errorf("failed to update conversation %s: %w", id, err)
	}
	return nil
}

func parseConversation(fields map[string]string) models.Conversation {
	conv := models.Conversation{
		ID:          fields["id"],
		Status:      fields["status"],
		AgentStatus: fields["agent_status"],
		CreatedAt:   parseMilli(fields["created_at"]),
		UpdatedAt:   parseMilli(fields["updated_at"]),
	}
	if raw, ok := fields["confidence"]; ok && raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			conv.Confidence = &f
		}
	}
	return conv
}

// --- messages ---

// AppendMessage persists a message at the tail of its conversation's list.
// ID and CreatedAt are filled in when unset.
func (s *Redis) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	defer s.observe("append_message", time.Now())

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to encode message: %w", err)
	}
	if err := s.rdb.RPush(ctx, messagesKey(msg.ConversationID), data).Err(); err != nil {
		return models.Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

func (s *Redis) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	defer s.observe("list_messages", time.Now())

	raw, err := s.rdb.LRange(ctx, messagesKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			s.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Skipping undecodable message")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// --- escalations ---

// UpsertEscalation creates the escalation for a conversation or, when one
// already exists, refreshes it back to a pending state. The conversation slot
// is claimed with HSETNX so concurrent upserts converge on one id, and the
// record's terminal claim is cleared so the new incarnation can race resolve
// against timeout afresh.
func (s *Redis) UpsertEscalation(ctx context.Context, conversationID, agentResponse, reason string) (models.Escalation, error) {
	defer s.observe("upsert_escalation", time.Now())

	candidate := uuid.New().String()
	created, err := s.rdb.HSetNX(ctx, escalationIndexKey, conversationID, candidate).Result()
	if err != nil {
		return models.Escalation{}, fmt.Errorf("failed to claim escalation slot: %w", err)
	}

	id := candidate
	if !created {
		id, err = s.rdb.HGet(ctx, escalationIndexKey, conversationID).Result()
		if err != nil {
			return models.Escalation{}, fmt.Errorf("failed to look up escalation id: %w", err)
		}
	}

	now := time.Now()
	key := escalationKey(id)

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key,
		"id", id,
		"conversation_id", conversationID,
		"agent_response", agentResponse,
		"reason", reason,
		"resolved", "0",
		"timed_out", "0",
		"resolved_at", "",
		"supervisor_note", "",
	)
	if created {
		pipe.HSet(ctx, key, "created_at", now.UnixMilli())
		pipe.ZAdd(ctx, escalationsKey, &redis.Z{Score: float64(now.UnixMilli()), Member: id})
	}
	// Re-open the terminal race for this incarnation.
	pipe.HDel(ctx, key, "terminal")
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Escalation{}, fmt.Errorf("failed to upsert escalation: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"escalation_id":   id,
		"conversation_id": conversationID,
		"created":         created,
	}).Debug("Upserted escalation")

	return s.GetEscalation(ctx, id)
}

func (s *Redis) GetEscalation(ctx context.Context, id string) (models.Escalation, error) {
	defer s.observe("get_escalation", time.Now())

	fields, err := s.rdb.HGetAll(ctx, escalationKey(id)).Result()
	if err != nil {
		return models.Escalation{}, fmt.Errorf("failed to get escalation: %w", err)
	}
	if len(fields) == 0 {
		return models.Escalation{}, ErrNotFound
	}
	return parseEscalation(fields), nil
}

// ListEscalations returns every escalation, newest first.
func (s *Redis) ListEscalations(ctx context.Context) ([]models.Escalation, error) {
	defer s.observe("list_escalations", time.Now())

	ids, err := s.rdb.ZRevRange(ctx, escalationsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}

	escalations := make([]models.Escalation, 0, len(ids))
	for _, id := range ids {
		esc, err := s.GetEscalation(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		escalations = append(escalations, esc)
	}
	return escalations, nil
}

// SetEscalationDeadline persists the absolute timeout deadline and indexes
// the escalation as pending for restart recovery.
func (s *Redis) SetEscalationDeadline(ctx context.Context, id string, deadline time.Time) error {
	defer s.observe("set_escalation_deadline", time.Now())

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, escalationKey(id), "timeout_at", deadline.UnixMilli())
	pipe.ZAdd(ctx, pendingEscalationsKey, &redis.Z{Score: float64(deadline.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist escalation deadline: %w", err)
	}
	return nil
}

// MarkEscalationResolved attempts the manual-resolution terminal transition.
// It returns false without side effects when the escalation has already been
// resolved or timed out.
func (s *Redis) MarkEscalationResolved(ctx context.Context, id, note string, at time.Time) (bool, error) {
	defer s.observe("mark_escalation_resolved", time.Now())
	return s.claimTerminal(ctx, id, terminalResolved,
		"resolved", "1",
		"timed_out", "0",
		"resolved_at", strconv.FormatInt(at.UnixMilli(), 10),
		"supervisor_note", note,
	)
}

// MarkEscalationTimedOut attempts the timeout terminal transition. It returns
// false without side effects when a manual resolution won the race.
func (s *Redis) MarkEscalationTimedOut(ctx context.Context, id, note string) (bool, error) {
	defer s.observe("mark_escalation_timed_out", time.Now())
	return s.claimTerminal(ctx, id, terminalTimedOut,
		"resolved", "0",
		"timed_out", "1",
		"supervisor_note", note,
	)
}

func (s *Redis) claimTerminal(ctx context.Context, id, terminal string, fields ...interface{}) (bool, error) {
	key := escalationKey(id)

	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check escalation: %w", err)
	}
	if exists == 0 {
		return false, ErrNotFound
	}

	claimed, err := s.rdb.HSetNX(ctx, key, "terminal", terminal).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim terminal transition: %w", err)
	}
	if !claimed {
		return false, nil
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.ZRem(ctx, pendingEscalationsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to apply terminal transition: %w", err)
	}
	return true, nil
}

// PendingEscalations returns every escalation still awaiting a terminal
// transition, with its persisted deadline.
func (s *Redis) PendingEscalations(ctx context.Context) ([]models.PendingTimeout, error) {
	defer s.observe("pending_escalations", time.Now())
	return s.pendingSet(ctx, pendingEscalationsKey)
}

func (s *Redis) pendingSet(ctx context.Context, key string) ([]models.PendingTimeout, error) {
	entries, err := s.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending set %s: %w", key, err)
	}

	pending := make([]models.PendingTimeout, 0, len(entries))
	for _, entry := range entries {
		id, ok := entry.Member.(string)
		if !ok {
			continue
		}
		pending = append(pending, models.PendingTimeout{
			ID:       id,
			Deadline: time.UnixMilli(int64(entry.Score)),
		})
	}
	return pending, nil
}

func parseEscalation(fields map[string]string) models.Escalation {
	esc := models.Escalation{
		ID:             fields["id"],
		ConversationID: fields["conversation_id"],
		AgentResponse:  fields["agent_response"],
		Reason:         fields["reason"],
		Resolved:       fields["resolved"] == "1",
		TimedOut:       fields["timed_out"] == "1",
		SupervisorNote: fields["supervisor_note"],
		CreatedAt:      parseMilli(fields["created_at"]),
	}
	if raw := fields["resolved_at"]; raw != "" {
		t := parseMilli(raw)
		esc.ResolvedAt = &t
	}
	if raw := fields["timeout_at"]; raw != "" {
		t := parseMilli(raw)
		esc.TimeoutAt = &t
	}
	return esc
}

// --- help requests ---

func (s *Redis) CreateHelpRequest(ctx context.Context, name, email, question string) (models.HelpRequest, error) {
	defer s.observe("create_help_request", time.Now())

	now := time.Now()
	req := models.HelpRequest{
		ID:            uuid.New().String(),
		CustomerName:  name,
		CustomerEmail: email,
		Question:      question,
		Status:        models.HelpPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, helpRequestKey(req.ID),
		"id", req.ID,
		"customer_name", name,
		"customer_email", email,
		"question", question,
		"status", req.Status,
		"created_at", now.UnixMilli(),
		"updated_at", now.UnixMilli(),
	)
	pipe.ZAdd(ctx, helpRequestsKey, &redis.Z{Score: float64(now.UnixMilli()), Member: req.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return models.HelpRequest{}, fmt.Errorf("failed to create help request: %w", err)
	}
	return req, nil
}

func (s *Redis) GetHelpRequest(ctx context.Context, id string) (models.HelpRequest, error) {
	defer s.observe("get_help_request", time.Now())

	fields, err := s.rdb.HGetAll(ctx, helpRequestKey(id)).Result()
	if err != nil {
		return models.HelpRequest{}, fmt.Errorf("failed to get help request: %w", err)
	}
	if len(fields) == 0 {
		return models.HelpRequest{}, ErrNotFound
	}
	return parseHelpRequest(fields), nil
}

func (s *Redis) ListHelpRequests(ctx context.Context) ([]models.HelpRequest, error) {
	defer s.observe("list_help_requests", time.Now())

	ids, err := s.rdb.ZRevRange(ctx, helpRequestsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list help requests: %w", err)
	}

	requests := make([]models.HelpRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.GetHelpRequest(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, nil
}

func (s *Redis) SetHelpRequestDeadline(ctx context.Context, id string, deadline time.Time) error {
	defer s.observe("set_help_request_deadline", time.Now())

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, helpRequestKey(id), "timeout_at", deadline.UnixMilli())
	pipe.ZAdd(ctx, pendingHelpRequestsKey, &redis.Z{Score: float64(deadline.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist help request deadline: %w", err)
	}
	return nil
}

// MarkHelpRequestResolved closes a pending help request. Returns false when
// it already left the pending state.
func (s *Redis) MarkHelpRequestResolved(ctx context.Context, id string) (bool, error) {
	defer s.observe("mark_help_request_resolved", time.Now())
	return s.claimHelpTerminal(ctx, id, terminalResolved, models.HelpResolved)
}

// MarkHelpRequestUnresolved is the timeout transition for help requests.
func (s *Redis) MarkHelpRequestUnresolved(ctx context.Context, id string) (bool, error) {
	defer s.observe("mark_help_request_unresolved", time.Now())
	return s.claimHelpTerminal(ctx, id, terminalTimedOut, models.HelpUnresolved)
}

func (s *Redis) claimHelpTerminal(ctx context.Context, id, terminal, status string) (bool, error) {
	key := helpRequestKey(id)

	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check help request: %w", err)
	}
	if exists == 0 {
		return false, ErrNotFound
	}

	claimed, err := s.rdb.HSetNX(ctx, key, "terminal", terminal).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim help request transition: %w", err)
	}
	if !claimed {
		return false, nil
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, "status", status, "updated_at", time.Now().UnixMilli())
	pipe.ZRem(ctx, pendingHelpRequestsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to update help request: %w", err)
	}
	return true, nil
}

func (s *Redis) AppendHelpRequestHistory(ctx context.Context, id, comment string) error {
	defer s.observe("append_help_request_history", time.Now())

	entry := models.HelpRequestHistory{
		ID:            uuid.New().String(),
		HelpRequestID: id,
		Comment:       comment,
		CreatedAt:     time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode history entry: %w", err)
	}
	if err := s.rdb.RPush(ctx, helpHistoryKey(id), data).Err(); err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}
	return nil
}

func (s *Redis) ListHelpRequestHistory(ctx context.Context, id string) ([]models.HelpRequestHistory, error) {
	defer s.observe("list_help_request_history", time.Now())

	raw, err := s.rdb.LRange(ctx, helpHistoryKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	history := make([]models.HelpRequestHistory, 0, len(raw))
	for _, item := range raw {
		var entry models.HelpRequestHistory
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		history = append(history, entry)
	}
	return history, nil
}

func (s *Redis) PendingHelpRequests(ctx context.Context) ([]models.PendingTimeout, error) {
	defer s.observe("pending_help_requests", time.Now())
	return s.pendingSet(ctx, pendingHelpRequestsKey)
}

func parseHelpRequest(fields map[string]string) models.HelpRequest {
	req := models.HelpRequest{
		ID:            fields["id"],
		CustomerName:  fields["customer_name"],
		CustomerEmail: fields["customer_email"],
		Question:      fields["question"],
		Status:        fields["status"],
		CreatedAt:     parseMilli(fields["created_at"]),
		UpdatedAt:     parseMilli(fields["updated_at"]),
	}
	if raw := fields["timeout_at"]; raw != "" {
		t := parseMilli(raw)
		req.TimeoutAt = &t
	}
	return req
}

func parseMilli(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
