package client

import (
	"sync"
	"time"
)

// Simulated upload progress: it climbs on a timer, not on bytes sent.
const (
	ProgressStep     = 5
	ProgressCeiling  = 95
	ProgressInterval = 500 * time.Millisecond
)

// Progress reports a cosmetic percentage while an upload runs.
type Progress struct {
	mu      sync.Mutex
	value   int
	report  func(int)
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

// StartProgress reports 0, then adds ProgressStep every interval up to
// ProgressCeiling. report runs on the progress goroutine.
func StartProgress(interval time.Duration, report func(int)) *Progress {
	if interval <= 0 {
		interval = ProgressInterval
	}
	if report == nil {
		report = func(int) {}
	}
	p := &Progress{report: report, stop: make(chan struct{}), done: make(chan struct{})}
	report(0)
	go p.run(interval)
	return p
}

func (p *Progress) run(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.value >= ProgressCeiling {
				p.mu.Unlock()
				continue
			}
			p.value = min(p.value+ProgressStep, ProgressCeiling)
			v := p.value
			p.mu.Unlock()
			p.report(v)
		}
	}
}

// Value returns the last reported percentage.
func (p *Progress) Value() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// Finish stops the timer. A completed upload reports 100; otherwise the
// value is left where it stopped.
func (p *Progress) Finish(completed bool) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.stop)
	<-p.done
	if completed {
		p.mu.Lock()
		p.value = 100
		p.mu.Unlock()
		p.report(100)
	}
}
