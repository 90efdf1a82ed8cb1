package client

import (
	"context"
	"errors"
	"time"

	"quillai/pkg/domain"
)

// PollState is the observed ingestion state of a file.
type PollState string

const (
	StatePending    PollState = "PENDING"
	StateProcessing PollState = "PROCESSING"
	StateSuccess    PollState = "SUCCESS"
	StateFailed     PollState = "FAILED"
	StateTimeout    PollState = "TIMEOUT"
)

// Terminal reports whether polling stops at s.
func (s PollState) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateTimeout
}

// DefaultPollInterval is the fixed delay between checks.
const DefaultPollInterval = 500 * time.Millisecond

// ErrPollTimeout is returned with StateTimeout once MaxWait elapses.
var ErrPollTimeout = errors.New("timed out waiting for ingestion")

// Poller checks a state on a fixed interval until it is terminal or MaxWait
// elapses.
type Poller struct {
	Interval time.Duration
	MaxWait  time.Duration
}

// CheckFunc returns the current state. An error stops polling.
type CheckFunc func(ctx context.Context) (PollState, error)

// Wait runs check immediately and then every Interval. It returns the last
// observed state with ctx.Err() on cancellation.
func (p Poller) Wait(ctx context.Context, check CheckFunc) (PollState, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if p.MaxWait <= 0 {
		return StatePending, errors.New("poller requires a positive max wait")
	}
	deadline := time.NewTimer(p.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	state := StatePending
	for {
		next, err := check(ctx)
		if err != nil {
			return state, err
		}
		state = next
		if state.Terminal() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-deadline.C:
			return StateTimeout, ErrPollTimeout
		case <-ticker.C:
		}
	}
}

// StateOf maps a file status onto the poll states.
func StateOf(status domain.FileStatus) PollState {
	switch status {
	case domain.StatusProcessing:
		return StateProcessing
	case domain.StatusSuccess:
		return StateSuccess
	case domain.StatusFailed:
		return StateFailed
	default:
		return StatePending
	}
}

// WaitForFile polls by content key until the saved file is visible. A 404
// keeps polling since the file is saved after upload.
func (c *Client) WaitForFile(ctx context.Context, key string, p Poller) (domain.File, error) {
	var file domain.File
	_, err := p.Wait(ctx, func(ctx context.Context) (PollState, error) {
		f, err := c.FileByKey(ctx, key)
		if IsNotFound(err) {
			return StatePending, nil
		}
		if err != nil {
			return StatePending, err
		}
		file = f
		return StateSuccess, nil
	})
	return file, err
}

// WaitForIngestion polls a file's status until SUCCESS, FAILED or timeout.
func (c *Client) WaitForIngestion(ctx context.Context, fileID string, p Poller) (PollState, error) {
	state, err := p.Wait(ctx, func(ctx context.Context) (PollState, error) {
		status, err := c.FileStatus(ctx, fileID)
		if err != nil {
			return StatePending, err
		}
		return StateOf(status), nil
	})
	if state == StateSuccess || state == StateFailed {
		c.cache.InvalidateQuery(QueryUserFiles)
		c.cache.Invalidate(QueryFile, fileID)
	}
	return state, err
}
