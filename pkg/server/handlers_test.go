package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-escalation-service/pkg/bus"
	"chat-escalation-service/pkg/config"
	"chat-escalation-service/pkg/coordinator"
	"chat-escalation-service/pkg/metrics"
	"chat-escalation-service/pkg/models"
	"chat-escalation-service/pkg/responder"
	"chat-escalation-service/pkg/scheduler"
	"chat-escalation-service/pkg/store"
)

var testMetrics = metrics.NewMetrics()

func setupTestRedis(t *testing.T) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   1, // Use test database
	})

	err := rdb.Ping(context.Background()).Err()
	require.NoError(t, err, "Redis should be available for testing")

	rdb.FlushDB(context.Background())

	return rdb
}

// newTestServer wires the full stack against the test Redis and returns the
// router under test.
func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	rdb := setupTestRedis(t)
	t.Cleanup(func() { rdb.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	cfg := &config.Config{
		Port:                 "0",
		EscalationTimeoutMS:  120000,
		HelpRequestTimeoutMS: 3600000,
		EventStreamMaxLen:    100,
	}

	st := store.NewRedis(rdb, logger, testMetrics)
	eventBus := bus.NewRedis(rdb, cfg.EventStreamMaxLen, logger, testMetrics)
	respond := responder.NewKeyword(rdb, logger)

	escalations := scheduler.New("escalations", st.SetEscalationDeadline, logger, testMetrics)
	helpRequests := scheduler.New("help-requests", st.SetHelpRequestDeadline, logger, testMetrics)
	t.Cleanup(escalations.Stop)
	t.Cleanup(helpRequests.Stop)

	coord := coordinator.New(st, eventBus, respond, escalations, helpRequests, cfg, logger, testMetrics)
	return NewHTTPServer(cfg, coord, eventBus, escalations, helpRequests, logger).Handler
}

func postJSON(t *testing.T, router http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func getPath(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestChatEndpoint(t *testing.T) {
	router := newTestServer(t)

	rec := postJSON(t, router, "/api/chat", map[string]string{"message": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result coordinator.ChatResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.NotEmpty(t, result.ConversationID)
	assert.Equal(t, models.StatusOpen, result.ConversationStatus)
	assert.Equal(t, models.RoleAgent, result.Message.Role)
	assert.NotEmpty(t, result.Message.Content)
}

func TestChatEndpoint_MissingMessage(t *testing.T) {
	router := newTestServer(t)

	rec := postJSON(t, router, "/api/chat", map[string]string{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatEndpoint_InvalidBody(t *testing.T) {
	router := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/chat", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPollConversation(t *testing.T) {
	router := newTestServer(t)

	rec := postJSON(t, router, "/api/chat", map[string]string{"message": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result coordinator.ChatResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))

	rec = getPath(t, router, "/api/chat/"+result.ConversationID)
	require.Equal(t, http.StatusOK, rec.Code)

	var poll coordinator.PollResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&poll))
	assert.Equal(t, models.StatusOpen, poll.Status)
	require.Len(t, poll.Messages, 2)
	assert.Equal(t, models.RoleUser, poll.Messages[0].Role)
	assert.Equal(t, models.RoleAgent, poll.Messages[1].Role)
}

func TestPollConversation_NotFound(t *testing.T) {
	router := newTestServer(t)

	rec := getPath(t, router, "/api/chat/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEscalationFlow(t *testing.T) {
	router := newTestServer(t)

	// An off-topic message falls back below the confidence threshold.
	rec := postJSON(t, router, "/api/chat", map[string]string{"message": "I was double charged, I want a refund"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result coordinator.ChatResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	require.Equal(t, models.StatusEscalated, result.ConversationStatus)

	rec = getPath(t, router, "/api/escalations")
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Escalations []coordinator.EscalationView `json:"escalations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Escalations, 1)
	esc := list.Escalations[0]
	assert.Equal(t, result.ConversationID, esc.ConversationID)
	assert.False(t, esc.Resolved)
	assert.NotEmpty(t, esc.Messages)

	rec = postJSON(t, router, fmt.Sprintf("/api/escalations/%s/resolve", esc.ID),
		map[string]string{"supervisorResponse": "Refund issued, check your email"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resolved struct {
		Success bool `json:"success"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resolved))
	assert.True(t, resolved.Success)

	// Resolving again loses the terminal race and reports success=false.
	rec = postJSON(t, router, fmt.Sprintf("/api/escalations/%s/resolve", esc.ID),
		map[string]string{"supervisorResponse": "duplicate answer"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resolved))
	assert.False(t, resolved.Success)

	// The conversation reflects the resolution.
	rec = getPath(t, router, "/api/chat/"+result.ConversationID)
	require.Equal(t, http.StatusOK, rec.Code)
	var poll coordinator.PollResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&poll))
	assert.Equal(t, models.StatusResolved, poll.Status)
}

func TestResolveEscalation_NotFound(t *testing.T) {
	router := newTestServer(t)

	rec := postJSON(t, router, "/api/escalations/missing/resolve",
		map[string]string{"supervisorResponse": "answer"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveEscalation_MissingResponse(t *testing.T) {
	router := newTestServer(t)

	rec := postJSON(t, router, "/api/escalations/any/resolve", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHelpRequestEndpoints(t *testing.T) {
	router := newTestServer(t)

	rec := postJSON(t, router, "/api/help-requests", map[string]string{
		"customer_name":  "Alex",
		"customer_email": "alex@example.com",
		"question":       "Where is my order?",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.HelpRequest
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, models.HelpPending, created.Status)

	rec = getPath(t, router, "/api/help-requests")
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		HelpRequests []coordinator.HelpRequestView `json:"helpRequests"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.HelpRequests, 1)

	rec = postJSON(t, router, fmt.Sprintf("/api/help-requests/%s/resolve", created.ID),
		map[string]string{"comment": "Shipped yesterday"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resolved struct {
		Success bool `json:"success"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resolved))
	assert.True(t, resolved.Success)
}

func TestCreateHelpRequest_MissingFields(t *testing.T) {
	router := newTestServer(t)

	rec := postJSON(t, router, "/api/help-requests", map[string]string{"question": "no name"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestServer(t)

	rec := getPath(t, router, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
}
