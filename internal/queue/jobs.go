package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// LinkHitTask is scheduled each time a share code is resolved; the worker
	// performs the durable view-count increment.
	LinkHitTask = "link:hit"
)

// HitPayload identifies the link whose counter should be bumped.
type HitPayload struct {
	Code string `json:"code"`
}

// Client wraps an asynq client behind the narrow interface the share-link
// registry needs.
type Client struct {
	client *asynq.Client
}

// NewClient constructs a Client.
func NewClient(client *asynq.Client) *Client {
	return &Client{client: client}
}

// EnqueueHit enqueues the view-count increment for code.
func (c *Client) EnqueueHit(ctx context.Context, code string) error {
	data, err := json.Marshal(HitPayload{Code: code})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(LinkHitTask, data)
	if _, err := c.client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue hit task: %w", err)
	}
	return nil
}
