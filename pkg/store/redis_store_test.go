package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-escalation-service/pkg/metrics"
	"chat-escalation-service/pkg/models"
)

var testMetrics = metrics.NewMetrics()

func setupTestRedis(t *testing.T) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   1, // Use test database
	})

	ctx := context.Background()
	err := rdb.Ping(ctx).Err()
	require.NoError(t, err, "Redis should be available for testing")

	rdb.FlushDB(ctx)

	return rdb
}

func newTestStore(t *testing.T) (*Redis, *redis.Client) {
	rdb := setupTestRedis(t)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	return NewRedis(rdb, logger, testMetrics), rdb
}

func TestConversationLifecycle(t *testing.T) {
	s, rdb := newTestStore(t)
	defer rdb.Close()
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, models.StatusOpen, conv.Status)
	assert.Equal(t, models.AgentProcessing, conv.AgentStatus)

	confidence := 0.9
	err = s.SetConversationState(ctx, conv.ID, models.StatusOpen, models.AgentConfident, &confidence)
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentConfident, got.AgentStatus)
	require.NotNil(t, got.Confidence)
	assert.Equal(t, 0.9, *got.Confidence)
}

func TestGetConversation_NotFound(t *testing.T) {
	s, rdb := newTestStore(t)
	defer rdb.Close()

	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessagesAreAppendOnlyAndOrdered(t *testing.T) {
	s, rdb := newTestStore(t)
	defer rdb.Close()
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	for _, content := range []string{"first", "second", "third"} {
		_, err := s.AppendMessage(ctx, models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleUser,
			Content:        content,
		})
		require.NoError(t, err)
	}

	messages, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "third", messages[2].Content)
	assert.NotEmpty(t, messages[0].ID)
}

func TestUpsertEscalation_SingleRowPerConversation(t *testing.T) {
	s, rdb := newTestStore(t)
	defer rdb.Close()
	ctx := context.Background()

	first, err := s.UpsertEscalation(ctx, "conv_1", "answer A", "Low confidence score")
	require.NoError(t, err)

	second, err := s.UpsertEscalation(ctx, "conv_1", "answer B", "Low confidence score")
	require.NoError(t, err)

	// Re-escalation reuses the row instead of creating a second one.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "answer B", second.AgentResponse)

	escalations, err := s.ListEscalations(ctx)
	require.NoError(t, err)
	assert.Len(t, escalations, 1)
}

func TestUpsertEscalation_ResetsTerminalState(t *testing.T) {
	s, rdb := newTestStore(t)
	defer rdb.Close()
	ctx := context.Background()

	esc, err := s.UpsertEscalation(ctx, "conv_1", "answer", "Low confidence score")
	require.NoError(t, err)

	claimed, err := s.MarkEscalationResolved(ctx, esc.ID, "done", time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	// Re-escalating the same conversation re-opens the record.
	reopened, err := s.UpsertEscalation(ctx, "conv_1", "new answer", "Low confidence score")
	require.NoError(t, err)
	assert.Equal(t, esc.ID, reopened.ID)
	assert.False(t, reopened.Resolved)
	assert.False(t, reopened.TimedOut)
	assert.Nil(t, reopened.ResolvedAt)
	assert.Empty(t, reopened.SupervisorNote)

	// And the terminal race is open again.
	claimed, err = s.MarkEscalationTimedOut(ctx, esc.ID, "no response")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestTerminalTransition_SecondWriterLoses(t *testing.T) {
	s, rdb := newTestStore(t)
	defer rdb.Close()
	ctx := context.Background()

	esc, err := s.UpsertEscalation(ctx, "conv_1", "answer", "Low confidence score")
	require.NoError(t, err)

	claimed, err := s.MarkEscalationResolved(ctx, esc.ID, "handled", time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.MarkEscalationTimedOut(ctx, esc.ID, "too late")
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := s.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.False(t, got.TimedOut)
	assert.Equal(t, "handled", got.SupervisorNote)
}

func TestTerminalTransition_ConcurrentRace(t *testing.T) {
	s, rdb := newTestStore(t)
	defer rdb.Close()
	ctx := context.Background()

	esc, err := s.UpsertEscalation(ctx, "conv_1", "answer", "Low confidence score")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan bool, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		claimed, err := s.MarkEscalationResolved(ctx, esc.ID, "manual", time.Now())
		require.NoError(t, err)
		results <- claimed
	}()
	go func() {
		defer wg.Done()
		claimed, err := s.MarkEscalationTimedOut(ctx, esc.ID, "auto")
		require.NoError(t, err)
		results <- claimed
	}()
	wg.Wait()
	close(results)

	winners := 0
	for claimed := range results {
		if claimed {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one writer should claim the terminal transition")

	got, err := s.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.NotEqual(t, got.Resolved, got.TimedOut, "exactly one of resolved/timedOut must hold")
}

func TestMarkEscalation_NotFound(t *testing.T) {
	s, rdb := newTestStore(t)
	defer rdb.Close()
	ctx := context.Background()

	_, err := s.MarkEscalationResolved(ctx, "missing", "note", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.MarkEscalationTimedOut(ctx, "missing", "note")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEscalationDeadlineAndPendingSet(t *testing.T) {
	s, rdb := newTestStore(t)
	defer rdb.Close()
	ctx := context.Background()

	esc, err := s.UpsertEscalation(ctx, "conv_1", "answer", "Low confidence score")
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Minute)
	require.NoError(t, s.SetEscalationDeadline(ctx, esc.ID, deadline))

	pending, err := s.PendingEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, esc.ID, pending[0].ID)
	assert.WithinDuration(t, deadline, pending[0].Deadline, time.Second)

	got, err := s.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TimeoutAt)

	// A terminal transition clears the pending index.
	claimed, err := s.MarkEscalationResolved(ctx, esc.ID, "done", time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	pending, err = s.PendingEscalations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHelpRequestLifecycle(t *testing.T) {
	s, rdb := newTestStore(t)
	defer rdb.Close()
	ctx := context.Background()

	req, err := s.CreateHelpRequest(ctx, "Alex", "alex@example.com", "Where is my order?")
	require.NoError(t, err)
	assert.Equal(t, models.HelpPending, req.Status)

	deadline := time.Now().Add(time.Hour)
	require.NoError(t, s.SetHelpRequestDeadline(ctx, req.ID, deadline))

	pending, err := s.PendingHelpRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	claimed, err := s.MarkHelpRequestUnresolved(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// The losing transition is suppressed.
	claimed, err = s.MarkHelpRequestResolved(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := s.GetHelpRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HelpUnresolved, got.Status)

	require.NoError(t, s.AppendHelpRequestHistory(ctx, req.ID, "Request timed out - automatically marked as unresolved"))
	history, err := s.ListHelpRequestHistory(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Comment, "timed out")

	pending, err = s.PendingHelpRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestListEscalations_NewestFirst(t *testing.T) {
	s, rdb := newTestStore(t)
	defer rdb.Close()
	ctx := context.Background()

	first, err := s.UpsertEscalation(ctx, "conv_1", "a", "Low confidence score")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := s.UpsertEscalation(ctx, "conv_2", "b", "Low confidence score")
	require.NoError(t, err)

	escalations, err := s.ListEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, escalations, 2)
	assert.Equal(t, second.ID, escalations[0].ID)
	assert.Equal(t, first.ID, escalations[1].ID)
}
