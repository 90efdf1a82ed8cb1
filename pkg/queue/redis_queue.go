package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"quillai/internal/util"
)

// RedisJobQueue delivers jobs over a Redis Stream consumer group. Stale
// pending entries are reclaimed with XAUTOCLAIM.
type RedisJobQueue struct {
	client       *redis.Client
	statuses     redisStatusStore
	stream       string
	group        string
	consumerBase string
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	logger       *slog.Logger
	once         sync.Once
	groupErr     error
}

type RedisQueueConfig struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	Consumer string
	JobTTL   time.Duration
	// MaxRetries counts deliveries, so 1 means a failed job is never retried.
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
	Logger     *slog.Logger
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "ingest"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password})
	return &RedisJobQueue{
		client:       client,
		statuses:     redisStatusStore{client: client, prefix: "job:" + stream, ttl: jobTTL},
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		maxRetries:   positive(cfg.MaxRetries, 1),
		block:        positiveDuration(cfg.Block, 5*time.Second),
		claimIdle:    positiveDuration(cfg.ClaimIdle, 30*time.Second),
		retryDelay:   positiveDuration(cfg.RetryDelay, 2*time.Second),
		maxLen:       int64(positive(int(cfg.MaxLen), 10000)),
		readCount:    int64(positive(int(cfg.ReadCount), 10)),
		claimCount:   int64(positive(int(cfg.ClaimCount), 10)),
		logger:       logger,
	}, nil
}

func (q *RedisJobQueue) Enqueue(ctx context.Context, fileID string) (JobStatus, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return JobStatus{}, ErrFileIDRequired
	}
	now := time.Now().UTC()
	job := JobStatus{ID: util.NewID(), FileID: fileID, Status: StatusQueued, CreatedAt: now, UpdatedAt: now}
	if err := q.statuses.write(ctx, job); err != nil {
		return JobStatus{}, err
	}
	if err := q.client.XAdd(ctx, q.addArgs(job.ID, fileID)).Err(); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

// EnqueueFile adapts Enqueue to ingest.Enqueuer.
func (q *RedisJobQueue) EnqueueFile(ctx context.Context, fileID string) (string, error) {
	job, err := q.Enqueue(ctx, fileID)
	return job.ID, err
}

func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	return q.statuses.read(ctx, jobID)
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
	return nil
}

func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// Ping checks connectivity for readiness probes.
func (q *RedisJobQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// ensureGroup creates the consumer group at the start of the stream so jobs
// enqueued before the first worker started are still delivered.
func (q *RedisJobQueue) ensureGroup(ctx context.Context) error {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.groupErr = fmt.Errorf("create consumer group: %w", err)
		}
	})
	return q.groupErr
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.logger.Warn("queue_read_failed", "stream", q.stream, "err", err)
				sleepCtx(ctx, time.Second)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	fileID, _ := msg.Values["file_id"].(string)
	if jobID == "" || fileID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := transition(ctx, q.statuses, jobID, markProcessing(fileID))
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	err = handler(ctx, job)
	if err == nil {
		_, _ = transition(ctx, q.statuses, jobID, markState(StatusDone, ""))
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if job.Attempts >= q.maxRetries {
		_, _ = transition(ctx, q.statuses, jobID, markState(StatusFailed, err.Error()))
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_, _ = transition(ctx, q.statuses, jobID, markState(StatusQueued, err.Error()))
	if !sleepCtx(ctx, q.retryDelay) {
		return
	}
	_ = q.requeueAndAck(ctx, msg.ID, jobID, fileID)
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID, fileID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(jobID, fileID))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) addArgs(jobID, fileID string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{"job_id": jobID, "file_id": fileID},
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func positive(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func positiveDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}
