package domain

import "context"

// JobQueue defines the contract for a distributed job queue.
// It decouples the application from the underlying message broker.
type JobQueue interface {
	// Publish enqueues a job for processing.
	Publish(ctx context.Context, job Job) error

	// Subscribe returns a read-only channel that streams jobs from the queue.
	Subscribe(ctx context.Context) (<-chan Job, error)

	// Acknowledge confirms that a job has been processed.
	// This removes it from the Pending Entry list (PEL).
	Acknowledge(ctx context.Context, rawID string) error

	// Broadcast publishes one job event to the Pub/Sub channel.
	Broadcast(ctx context.Context, event JobEvent) error

	// SubscribeEvents returns a channel that streams job events from all workers.
	SubscribeEvents(ctx context.Context) (<-chan JobEvent, error)
}
