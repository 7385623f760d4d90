package delayqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/logger"
)

// delayJobsKey is the sorted set holding pending jobs, scored by due time
// in unix milliseconds.
const delayJobsKey = "sentra:delayjobs"

// redisQueue is the shared-store backend, selected by REDIS_URL.
type redisQueue struct {
	client *redis.Client
	logger *logger.Logger
}

func openRedis(ctx context.Context, redisURL string, log *logger.Logger) (Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("Delay queue opened", zap.String("backend", "redis"))
	return &redisQueue{client: client, logger: log}, nil
}

func (q *redisQueue) Enqueue(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal delay job: %w", err)
	}
	err = q.client.ZAdd(ctx, delayJobsKey, redis.Z{
		Score:  float64(job.DueAt.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue delay job: %w", err)
	}
	return nil
}

func (q *redisQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	members, err := q.client.ZRangeByScore(ctx, delayJobsKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due jobs: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	jobs := make([]*Job, 0, len(members))
	for _, m := range members {
		var job Job
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			q.logger.Warn("Dropping undecodable delay job", zap.Error(err))
			q.client.ZRem(ctx, delayJobsKey, m)
			continue
		}
		if err := q.client.ZRem(ctx, delayJobsKey, m).Err(); err != nil {
			return nil, fmt.Errorf("failed to claim delay job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (q *redisQueue) Size(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, delayJobsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delay queue size: %w", err)
	}
	return int(n), nil
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}
