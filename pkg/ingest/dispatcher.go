package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"quillai/pkg/domain"
)

// Dispatcher starts ingestion of a saved file without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, fileID string) error
}

// Runner executes ingestion synchronously.
type Runner interface {
	Run(ctx context.Context, fileID string) error
}

// StatusMarker records a file's ingestion status. pkg/store satisfies it.
type StatusMarker interface {
	TransitionFileStatus(ctx context.Context, id string, to domain.FileStatus) error
}

// InlineDispatcher runs the pipeline on a background goroutine inside the
// calling process. The request context only contributes values; its
// cancellation does not stop ingestion.
type InlineDispatcher struct {
	runner  Runner
	status  StatusMarker
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewInlineDispatcher bounds concurrent runs to maxConcurrent; each run is
// limited to timeout, including the wait for a free slot. A file whose run
// never starts is marked FAILED through status.
func NewInlineDispatcher(runner Runner, status StatusMarker, maxConcurrent int64, timeout time.Duration, logger *slog.Logger) *InlineDispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InlineDispatcher{runner: runner, status: status, sem: semaphore.NewWeighted(maxConcurrent), timeout: timeout, logger: logger}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, fileID string) error {
	if fileID == "" {
		return errors.New("file id required")
	}
	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(runCtx, d.timeout)
		defer cancel()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.logger.Error("ingest_dispatch_timeout", "file_id", fileID, "err", err)
			d.markFailed(runCtx, fileID)
			return
		}
		defer d.sem.Release(1)
		if err := d.runner.Run(ctx, fileID); err != nil {
			d.logger.Warn("ingest_run_failed", "file_id", fileID, "err", err)
		}
	}()
	return nil
}

func (d *InlineDispatcher) markFailed(ctx context.Context, fileID string) {
	if d.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.status.TransitionFileStatus(ctx, fileID, domain.StatusFailed); err != nil {
		d.logger.Error("ingest_mark_failed_error", "file_id", fileID, "err", err)
	}
}

// Wait blocks until every dispatched run has returned.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

// Enqueuer is satisfied by the job queues in pkg/queue.
type Enqueuer interface {
	EnqueueFile(ctx context.Context, fileID string) (string, error)
}

// QueueDispatcher hands files to a job queue consumed by ingest workers.
type QueueDispatcher struct {
	Queue Enqueuer
}

func (d QueueDispatcher) Dispatch(ctx context.Context, fileID string) error {
	_, err := d.Queue.EnqueueFile(ctx, fileID)
	return err
}
