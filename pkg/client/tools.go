package client

import (
	"context"
	"net/url"
	"strconv"
)

// CreateTask queues a new durable task.
func (c *Client) CreateTask(ctx context.Context, req *CreateTaskRequest) (*Task, error) {
	var out Task
	if err := c.request(ctx, "POST", "/v1/tasks", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTasks lists tasks visible to the caller, optionally filtered by status.
func (c *Client) GetTasks(ctx context.Context, status string, limit int) ([]Task, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Task
	if err := c.request(ctx, "GET", "/v1/tasks", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimTask atomically claims a task for the caller's session.
func (c *Client) ClaimTask(ctx context.Context, taskID, sessionID string) (*Task, error) {
	var out Task
	body := map[string]string{"sessionId": sessionID}
	if err := c.request(ctx, "POST", "/v1/tasks/"+taskID+"/claim", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteTask marks a claimed task complete.
func (c *Client) CompleteTask(ctx context.Context, taskID, outcome string) (*Task, error) {
	var out Task
	body := map[string]string{"outcome": outcome}
	if err := c.request(ctx, "POST", "/v1/tasks/"+taskID+"/complete", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts an ephemeral relay message.
func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*RelayMessage, error) {
	var out RelayMessage
	if err := c.request(ctx, "POST", "/v1/messages", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessages polls for pending relay messages addressed to the caller.
func (c *Client) GetMessages(ctx context.Context) ([]RelayMessage, error) {
	var out []RelayMessage
	if err := c.request(ctx, "GET", "/v1/messages", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSession opens a new pulse session for a program.
func (c *Client) CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error) {
	var out Session
	if err := c.request(ctx, "POST", "/v1/sessions", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSession reports heartbeat/progress for an existing session.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, req *UpdateSessionRequest) (*Session, error) {
	var out Session
	if err := c.request(ctx, "PATCH", "/v1/sessions/"+sessionID, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions lists active sessions for the caller's program.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.request(ctx, "GET", "/v1/sessions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AskQuestion files a blocking question for a human or supervising program.
func (c *Client) AskQuestion(ctx context.Context, req *AskQuestionRequest) (*QuestionResponse, error) {
	var out QuestionResponse
	if err := c.request(ctx, "POST", "/v1/questions", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetResponse polls for the answer to a previously asked question.
func (c *Client) GetResponse(ctx context.Context, questionID string) (*QuestionResponse, error) {
	var out QuestionResponse
	if err := c.request(ctx, "GET", "/v1/questions/"+questionID, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendAlert raises a fire-and-forget alert, bypassing the question/response cycle.
func (c *Client) SendAlert(ctx context.Context, message, severity string) error {
	body := map[string]string{"message": message, "severity": severity}
	return c.request(ctx, "POST", "/v1/alerts", nil, body, nil)
}

// DreamPeek lists dream tasks awaiting overnight activation.
func (c *Client) DreamPeek(ctx context.Context) ([]DreamSummary, error) {
	var out []DreamSummary
	if err := c.request(ctx, "GET", "/v1/dreams", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DreamActivate transitions a dream task into its active, budgeted run.
func (c *Client) DreamActivate(ctx context.Context, dreamID string) error {
	return c.request(ctx, "POST", "/v1/dreams/"+dreamID+"/activate", nil, nil, nil)
}
