package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"quillai/internal/util"
)

const attemptsHeader = "x-quill-attempts"

// AMQPJobQueue delivers jobs over a durable RabbitMQ queue. Job states live
// in Redis when a client is given, otherwise in process memory.
type AMQPJobQueue struct {
	conn       *amqp.Connection
	pubMu      sync.Mutex
	pub        *amqp.Channel
	queue      string
	statuses   statusStore
	maxRetries int
	logger     *slog.Logger
}

type AMQPQueueConfig struct {
	URL        string
	Queue      string
	MaxRetries int
	// StatusRedis optionally stores job states; nil keeps them in memory.
	StatusRedis redis.Cmdable
	JobTTL      time.Duration
	Logger      *slog.Logger
}

func NewAMQPJobQueue(cfg AMQPQueueConfig) (*AMQPJobQueue, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		return nil, errors.New("amqp queue required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare amqp queue: %w", err)
	}
	var statuses statusStore = newMemoryStatusStore()
	if cfg.StatusRedis != nil {
		statuses = redisStatusStore{client: cfg.StatusRedis, prefix: "job:" + name, ttl: positiveDuration(cfg.JobTTL, 24*time.Hour)}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPJobQueue{
		conn:       conn,
		pub:        ch,
		queue:      name,
		statuses:   statuses,
		maxRetries: positive(cfg.MaxRetries, 1),
		logger:     logger,
	}, nil
}

type amqpMessage struct {
	JobID  string `json:"jobId"`
	FileID string `json:"fileId"`
}

func (q *AMQPJobQueue) Enqueue(ctx context.Context, fileID string) (JobStatus, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return JobStatus{}, ErrFileIDRequired
	}
	now := time.Now().UTC()
	job := JobStatus{ID: util.NewID(), FileID: fileID, Status: StatusQueued, CreatedAt: now, UpdatedAt: now}
	if err := q.statuses.write(ctx, job); err != nil {
		return JobStatus{}, err
	}
	if err := q.publish(ctx, amqpMessage{JobID: job.ID, FileID: fileID}, 0); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

// EnqueueFile adapts Enqueue to ingest.Enqueuer.
func (q *AMQPJobQueue) EnqueueFile(ctx context.Context, fileID string) (string, error) {
	job, err := q.Enqueue(ctx, fileID)
	return job.ID, err
}

func (q *AMQPJobQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	return q.statuses.read(ctx, jobID)
}

func (q *AMQPJobQueue) publish(ctx context.Context, msg amqpMessage, attempts int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.pub.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.JobID,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{attemptsHeader: int32(attempts)},
		Body:         body,
	})
}

// Start opens a consumer channel with prefetch = concurrency and runs that
// many workers until ctx is done.
func (q *AMQPJobQueue) Start(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.queue, "ingest-"+util.NewID(), false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	for i := 0; i < concurrency; i++ {
		go func() {
			for d := range deliveries {
				q.handleDelivery(ctx, d, handler)
			}
		}()
	}
	go func() {
		<-ctx.Done()
		_ = ch.Close()
	}()
	return nil
}

func (q *AMQPJobQueue) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	msg, attempts, ok := decodeDelivery(d)
	if !ok {
		_ = d.Ack(false)
		return
	}
	job, err := transition(ctx, q.statuses, msg.JobID, markProcessing(msg.FileID))
	if err != nil {
		_ = d.Nack(false, true)
		return
	}
	err = handler(ctx, job)
	switch {
	case err == nil:
		_, _ = transition(ctx, q.statuses, msg.JobID, markState(StatusDone, ""))
	case attempts+1 >= q.maxRetries:
		_, _ = transition(ctx, q.statuses, msg.JobID, markState(StatusFailed, err.Error()))
	default:
		_, _ = transition(ctx, q.statuses, msg.JobID, markState(StatusQueued, err.Error()))
		if perr := q.publish(ctx, msg, attempts+1); perr != nil {
			q.logger.Error("queue_requeue_failed", "job_id", msg.JobID, "err", perr)
			_ = d.Nack(false, true)
			return
		}
	}
	_ = d.Ack(false)
}

func decodeDelivery(d amqp.Delivery) (amqpMessage, int, bool) {
	var msg amqpMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" || msg.FileID == "" {
		return amqpMessage{}, 0, false
	}
	attempts := 0
	switch v := d.Headers[attemptsHeader].(type) {
	case int32:
		attempts = int(v)
	case int64:
		attempts = int(v)
	case int:
		attempts = v
	}
	return msg, attempts, true
}

func (q *AMQPJobQueue) Close() error {
	q.pubMu.Lock()
	_ = q.pub.Close()
	q.pubMu.Unlock()
	return q.conn.Close()
}
