package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dontdude/coderun/internal/domain"
)

const recoveryConsumer = "recovery-agent"

// AbandonedMessage is the error text followers of a reclaimed job receive.
const AbandonedMessage = "System error: job was abandoned by its worker"

// StartRecoveryRoutine polls the PEL for stale jobs and releases them until ctx is done.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("starting redis recovery routine",
		zap.Duration("interval", interval), zap.Duration("max_age", maxAge))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Recover(ctx, maxAge); err != nil {
				r.logger.Error("recovery routine failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("recovered stale jobs", zap.Int("count", n))
			}
		}
	}
}

// Recover claims every job pending for longer than maxAge, tells its
// followers it failed and acknowledges it. Jobs are not re-run: their
// submitter has already seen partial output, if any.
func (r *RedisQueue) Recover(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return 0, err
	}

	recovered := 0
	start := "-" // Start from beginning of stream
	for {
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.opts.Stream,
			Group:    r.opts.Group,
			MinIdle:  maxAge,
			Start:    start,
			Count:    10,
			Consumer: recoveryConsumer,
		}).Result()
		if err != nil {
			return recovered, err
		}

		for _, msg := range messages {
			r.release(ctx, msg)
			recovered++
		}

		start = next
		if len(messages) == 0 || start == "0-0" {
			return recovered, nil
		}
	}
}

func (r *RedisQueue) release(ctx context.Context, msg redis.XMessage) {
	log := r.logger.With(zap.String("msg_id", msg.ID))

	if job, err := decodeJob(msg); err == nil {
		log.Warn("stale job claimed by recovery agent", zap.String("job_id", job.ID))
		for _, ev := range []domain.JobEvent{
			{JobID: job.ID, Type: domain.EventError, Data: AbandonedMessage},
			{JobID: job.ID, Type: domain.EventComplete},
		} {
			if err := r.Broadcast(ctx, ev); err != nil {
				log.Error("failed to notify followers", zap.Error(err))
			}
		}
	} else {
		log.Warn("dropping malformed pending message", zap.Error(err))
	}

	if err := r.Acknowledge(ctx, msg.ID); err != nil {
		log.Error("failed to ack stale job", zap.Error(err))
	}
}
