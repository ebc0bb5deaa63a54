package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/dleitner/syllaparse/internal/queue"
	"github.com/dleitner/syllaparse/internal/sharelink"
)

// Processor is plugged into the asynq worker loop.
type Processor struct {
	links *sharelink.Registry
}

// NewProcessor constructs a worker processor.
func NewProcessor(links *sharelink.Registry) *Processor {
	return &Processor{links: links}
}

// Handler registers the task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.LinkHitTask, p.handleHit)
	return mux
}

func (p *Processor) handleHit(ctx context.Context, task *asynq.Task) error {
	var payload queue.HitPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := p.links.IncrementViewCount(ctx, payload.Code); err != nil {
		log.Printf("hit increment failed for %s: %v", payload.Code, err)
		return err
	}
	return nil
}
