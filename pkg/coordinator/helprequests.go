package coordinator

import (
	"context"
	"strings"
	"time"

	"chat-escalation-service/pkg/models"
)

const helpTimeoutComment = "Request timed out - automatically marked as unresolved"

// HelpRequestView is a help request with its supervisor-visible history.
type HelpRequestView struct {
	models.HelpRequest
	History []models.HelpRequestHistory `json:"history"`
}

// CreateHelpRequest opens a standalone ticket and arms its timeout. Help
// requests share the escalation timer mechanism but use their own scheduler
// instance and a much longer window.
func (c *Coordinator) CreateHelpRequest(ctx context.Context, name, email, question string) (models.HelpRequest, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(question) == "" {
		return models.HelpRequest{}, ErrEmptyMessage
	}

	req, err := c.store.CreateHelpRequest(ctx, name, email, question)
	if err != nil {
		return models.HelpRequest{}, err
	}

	c.helpRequests.Arm(ctx, req.ID, c.config.HelpRequestTimeout())

	c.logger.WithField("help_request_id", req.ID).Info("Created help request")
	return req, nil
}

// ListHelpRequests returns every help request with its history, newest first.
func (c *Coordinator) ListHelpRequests(ctx context.Context) ([]HelpRequestView, error) {
	requests, err := c.store.ListHelpRequests(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]HelpRequestView, 0, len(requests))
	for _, req := range requests {
		history, err := c.store.ListHelpRequestHistory(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, HelpRequestView{HelpRequest: req, History: history})
	}
	return views, nil
}

// ResolveHelpRequest closes a pending help request with a supervisor comment.
// Returns false when the request already left the pending state.
func (c *Coordinator) ResolveHelpRequest(ctx context.Context, id, comment string) (bool, error) {
	if strings.TrimSpace(comment) == "" {
		return false, ErrEmptyMessage
	}

	claimed, err := c.store.MarkHelpRequestResolved(ctx, id)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	if err := c.store.AppendHelpRequestHistory(ctx, id, comment); err != nil {
		c.logger.WithError(err).WithField("help_request_id", id).Error("Failed to persist resolution comment")
	}

	c.helpRequests.Disarm(id)

	c.logger.WithField("help_request_id", id).Info("Help request resolved")
	return true, nil
}

// HandleHelpRequestTimeout is the help request scheduler's fire handler.
func (c *Coordinator) HandleHelpRequestTimeout(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claimed, err := c.store.MarkHelpRequestUnresolved(ctx, id)
	if err != nil {
		c.logger.WithError(err).WithField("help_request_id", id).Error("Failed to apply help request timeout, abandoning")
		return
	}
	if !claimed {
		return
	}

	if err := c.store.AppendHelpRequestHistory(ctx, id, helpTimeoutComment); err != nil {
		c.logger.WithError(err).WithField("help_request_id", id).Error("Failed to persist timeout history entry")
	}

	c.logger.WithField("help_request_id", id).Info("Help request timed out without supervisor response")
}
