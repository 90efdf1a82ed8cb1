package queue

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job states.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// ErrFileIDRequired is returned by Enqueue for a blank file ID.
var ErrFileIDRequired = errors.New("fileId required")

// JobStatus tracks one ingestion job.
type JobStatus struct {
	ID           string    `json:"id"`
	FileID       string    `json:"fileId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes a job. A nil error acknowledges it.
type Handler func(context.Context, JobStatus) error

// JobQueue is implemented by the Redis Streams and RabbitMQ queues.
type JobQueue interface {
	Enqueue(ctx context.Context, fileID string) (JobStatus, error)
	EnqueueFile(ctx context.Context, fileID string) (string, error)
	GetJob(ctx context.Context, jobID string) (JobStatus, bool, error)
	Start(ctx context.Context, concurrency int, handler Handler) error
	Close() error
}

// statusStore persists job states outside the transport.
type statusStore interface {
	write(ctx context.Context, job JobStatus) error
	read(ctx context.Context, jobID string) (JobStatus, bool, error)
}

type redisStatusStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func (s redisStatusStore) key(jobID string) string {
	return s.prefix + ":" + jobID
}

func (s redisStatusStore) write(ctx context.Context, job JobStatus) error {
	payload := map[string]any{
		"id":        job.ID,
		"fileId":    job.FileID,
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	key := s.key(job.ID)
	if err := s.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = s.client.Expire(ctx, key, s.ttl).Err()
	return nil
}

func (s redisStatusStore) read(ctx context.Context, jobID string) (JobStatus, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, false, nil
	}
	data, err := s.client.HGetAll(ctx, s.key(jobID)).Result()
	if err != nil {
		return JobStatus{}, false, err
	}
	if len(data) == 0 {
		return JobStatus{}, false, nil
	}
	return decodeJobStatus(jobID, data), true, nil
}

// memoryStatusStore keeps job states in-process for single-node deployments.
type memoryStatusStore struct {
	mu   sync.RWMutex
	jobs map[string]JobStatus
}

func newMemoryStatusStore() *memoryStatusStore {
	return &memoryStatusStore{jobs: make(map[string]JobStatus)}
}

func (s *memoryStatusStore) write(_ context.Context, job JobStatus) error {
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return nil
}

func (s *memoryStatusStore) read(_ context.Context, jobID string) (JobStatus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	return job, ok, nil
}

// transition loads a job, applies fn and writes it back.
func transition(ctx context.Context, s statusStore, jobID string, fn func(*JobStatus)) (JobStatus, error) {
	job, _, err := s.read(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	if job.ID == "" {
		job.ID = jobID
	}
	fn(&job)
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	return job, s.write(ctx, job)
}

func markProcessing(fileID string) func(*JobStatus) {
	return func(j *JobStatus) {
		if fileID != "" {
			j.FileID = fileID
		}
		j.Attempts++
		j.Status = StatusProcessing
	}
}

func markState(status, errMsg string) func(*JobStatus) {
	return func(j *JobStatus) {
		j.Status = status
		j.ErrorMessage = errMsg
	}
}

func decodeJobStatus(jobID string, data map[string]string) JobStatus {
	job := JobStatus{
		ID:           jobID,
		FileID:       data["fileId"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}
