package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"quillai/pkg/ingest"
	"quillai/pkg/queue"
	"quillai/pkg/store"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrFileNotFound = errors.New("file not found")
	ErrJobNotFound  = errors.New("job not found")
)

// Config holds runtime dependencies.
type Config struct {
	Store  store.Store
	Queue  queue.JobQueue
	Runner ingest.Runner
	Logger *slog.Logger
	// JobTimeout bounds one pipeline run.
	JobTimeout time.Duration
}

// App accepts ingestion jobs and runs them from the queue.
type App struct {
	store      store.Store
	queue      queue.JobQueue
	runner     ingest.Runner
	logger     *slog.Logger
	jobTimeout time.Duration
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("job queue required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("ingest runner required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &App{
		store:      cfg.Store,
		queue:      cfg.Queue,
		runner:     cfg.Runner,
		logger:     logger,
		jobTimeout: timeout,
	}, nil
}

// Enqueue registers a job for a saved file.
func (a *App) Enqueue(ctx context.Context, fileID string) (queue.JobStatus, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return queue.JobStatus{}, fmt.Errorf("%w: fileId required", ErrInvalidInput)
	}
	if _, ok, err := a.store.GetFile(ctx, fileID); err != nil {
		return queue.JobStatus{}, fmt.Errorf("load file: %w", err)
	} else if !ok {
		return queue.JobStatus{}, ErrFileNotFound
	}
	job, err := a.queue.Enqueue(ctx, fileID)
	if err != nil {
		return queue.JobStatus{}, fmt.Errorf("enqueue: %w", err)
	}
	a.logger.Info("ingest_job_enqueued", "job_id", job.ID, "file_id", fileID)
	return job, nil
}

// GetJob returns a job by ID.
func (a *App) GetJob(ctx context.Context, id string) (queue.JobStatus, error) {
	job, ok, err := a.queue.GetJob(ctx, strings.TrimSpace(id))
	if err != nil {
		return queue.JobStatus{}, fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return queue.JobStatus{}, ErrJobNotFound
	}
	return job, nil
}

// Start launches concurrency workers that consume jobs until ctx is done.
func (a *App) Start(ctx context.Context, concurrency int) error {
	return a.queue.Start(ctx, concurrency, a.handle)
}

func (a *App) handle(ctx context.Context, job queue.JobStatus) error {
	runCtx, cancel := context.WithTimeout(ctx, a.jobTimeout)
	defer cancel()
	started := time.Now()
	if err := a.runner.Run(runCtx, job.FileID); err != nil {
		a.logger.Warn("ingest_job_failed", "job_id", job.ID, "file_id", job.FileID, "attempt", job.Attempts, "err", err)
		return err
	}
	a.logger.Info("ingest_job_done", "job_id", job.ID, "file_id", job.FileID, "duration_ms", time.Since(started).Milliseconds())
	return nil
}
