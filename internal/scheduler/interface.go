package scheduler

import (
	"context"

	"github.com/mattjoyce/studiobridge/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/mattjoyce/studiobridge/internal/scheduler QueueService

// QueueService defines the queue operations used by the scheduler.
type QueueService interface {
	Sweep(ctx context.Context) (queue.SweepResult, error)
	Depth(ctx context.Context) (int, error)
}
