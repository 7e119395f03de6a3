package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dontdude/coderun/internal/domain"
)

// Options names the Redis keys the queue works on.
type Options struct {
	Addr          string
	Stream        string
	Group         string
	EventsChannel string

	// Consumer identifies this process inside the consumer group.
	// Defaults to hostname-pid.
	Consumer string
}

// RedisQueue implements domain.JobQueue using Redis Streams for jobs
// and Redis Pub/Sub for job events.
type RedisQueue struct {
	client *redis.Client
	opts   Options
	logger *zap.Logger
}

// Ensure RedisQueue satisfies the interface
var _ domain.JobQueue = (*RedisQueue)(nil)

// NewRedisQueue connects to Redis and fails fast if it is unreachable.
func NewRedisQueue(ctx context.Context, opts Options, logger *zap.Logger) (*RedisQueue, error) {
	if opts.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "consumer"
		}
		opts.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
	})

	// Fail-fast ping check
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	q := &RedisQueue{
		client: rdb,
		opts:   opts,
		logger: logger,
	}

	// Producers create the group too, so jobs published before any
	// worker starts are still delivered.
	if err := q.ensureGroup(pingCtx); err != nil {
		rdb.Close()
		return nil, err
	}
	return q, nil
}

// Close releases the connection pool.
func (r *RedisQueue) Close() error {
	return r.client.Close()
}

// Publish enqueues a job to the Redis stream using XADD (Producer)
func (r *RedisQueue) Publish(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// "*" lets Redis generate a timestamp-based ID.
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.opts.Stream,
		ID:     "*",
		Values: map[string]interface{}{
			"job": data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// ensureGroup creates the consumer group, and the stream with it, if needed.
// The group starts at "0" so entries already in the stream are delivered.
func (r *RedisQueue) ensureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.opts.Stream, r.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Subscribe returns a channel of jobs read with XREADGROUP (Consumer).
// The channel is closed when ctx is done.
func (r *RedisQueue) Subscribe(ctx context.Context) (<-chan domain.Job, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return nil, err
	}

	outCh := make(chan domain.Job)

	go func() {
		defer close(outCh)

		for ctx.Err() == nil {
			// Block briefly so cancellation is noticed between reads.
			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.opts.Group,
				Consumer: r.opts.Consumer,
				Streams:  []string{r.opts.Stream, ">"}, // ">" means new messages
				Count:    1,
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("redis read error", zap.Error(err))
				time.Sleep(1 * time.Second) // Backoff
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					job, err := decodeJob(msg)
					if err != nil {
						// Leave it pending; recovery will release it.
						r.logger.Error("invalid job message", zap.String("msg_id", msg.ID), zap.Error(err))
						continue
					}
					select {
					case outCh <- job:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return outCh, nil
}

func decodeJob(msg redis.XMessage) (domain.Job, error) {
	val, ok := msg.Values["job"].(string)
	if !ok {
		return domain.Job{}, errors.New("missing job field")
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	// Capture the Redis Stream ID so we can ACK later
	job.RawID = msg.ID
	return job, nil
}

// Acknowledge confirms processing using XACK.
func (r *RedisQueue) Acknowledge(ctx context.Context, rawID string) error {
	if err := r.client.XAck(ctx, r.opts.Stream, r.opts.Group, rawID).Err(); err != nil {
		return fmt.Errorf("redis ack failed: %w", err)
	}
	return nil
}

// Broadcast publishes one job event on the events channel.
func (r *RedisQueue) Broadcast(ctx context.Context, event domain.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.opts.EventsChannel, data).Err(); err != nil {
		return fmt.Errorf("redis broadcast failed: %w", err)
	}
	return nil
}

// SubscribeEvents subscribes to the events channel and streams events to a Go channel.
func (r *RedisQueue) SubscribeEvents(ctx context.Context) (<-chan domain.JobEvent, error) {
	pubsub := r.client.Subscribe(ctx, r.opts.EventsChannel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}

	outCh := make(chan domain.JobEvent)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event domain.JobEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					r.logger.Error("failed to unmarshal event", zap.Error(err))
					continue
				}

				select {
				case outCh <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}
