package openai_client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

type Thread struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// ContentPart is one part of a message: text or an image reference.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type CreateMessageRequest struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type MessageText struct {
	Value string `json:"value"`
}

type MessageContent struct {
	Type string       `json:"type"`
	Text *MessageText `json:"text,omitempty"`
}

type Message struct {
	ID        string           `json:"id"`
	Role      string           `json:"role"`
	CreatedAt int64            `json:"created_at"`
	Content   []MessageContent `json:"content"`
}

// FirstText returns the first text part of the message.
func (m Message) FirstText() (string, bool) {
	for _, c := range m.Content {
		if c.Type == "text" && c.Text != nil {
			return c.Text.Value, true
		}
	}
	return "", false
}

type MessagesResponse struct {
	Data []Message `json:"data"`
}

type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Run struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	AssistantID string    `json:"assistant_id"`
	Status      string    `json:"status"`
	LastError   *RunError `json:"last_error,omitempty"`
}

// Terminal reports whether the run will not change status any more.
func (r Run) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusExpired:
		return true
	}
	return false
}

func (c *OpenAIClient) CreateThread(ctx context.Context) (*Thread, error) {
	body, err := c.Post(ctx, ThreadsEndpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	var thread Thread
	if err := json.Unmarshal(body, &thread); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return &thread, nil
}

func (c *OpenAIClient) CreateMessage(ctx context.Context, threadID string, req CreateMessageRequest) (*Message, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", ThreadsEndpoint, threadID)
	body, err := c.Post(ctx, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return &msg, nil
}

// ListMessages returns the thread's messages, newest first.
func (c *OpenAIClient) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	endpoint := fmt.Sprintf("%s/%s/messages?order=desc", ThreadsEndpoint, threadID)
	body, err := c.Get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	var response MessagesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return response.Data, nil
}

func (c *OpenAIClient) CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	payload, err := json.Marshal(map[string]string{"assistant_id": assistantID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/runs", ThreadsEndpoint, threadID)
	body, err := c.Post(ctx, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to run assistant: %w", err)
	}

	var run Run
	if err := json.Unmarshal(body, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return &run, nil
}

func (c *OpenAIClient) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	endpoint := fmt.Sprintf("%s/%s/runs/%s", ThreadsEndpoint, threadID, runID)
	body, err := c.Get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to check run status: %w", err)
	}

	var run Run
	if err := json.Unmarshal(body, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return &run, nil
}
