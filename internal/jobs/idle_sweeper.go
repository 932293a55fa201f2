// Package jobs holds the server's periodic background work.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Sweeper evicts idle in-memory sessions. *session.Manager implements it.
type Sweeper interface {
	Sweep(ctx context.Context, idle time.Duration) int
}

// IdleSweeper periodically evicts sessions that have not been used for a while
// and retries persisting ones whose last save failed.
type IdleSweeper struct {
	sweeper  Sweeper
	logger   *log.Logger
	idle     time.Duration
	interval time.Duration
	onSwept  func(int)
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewIdleSweeper creates the job. onSwept, if set, receives the number of
// evicted sessions after every pass.
func NewIdleSweeper(s Sweeper, logger *log.Logger, idle, interval time.Duration, onSwept func(int)) *IdleSweeper {
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &IdleSweeper{
		sweeper:  s,
		logger:   logger.WithPrefix("sweeper"),
		idle:     idle,
		interval: interval,
		onSwept:  onSwept,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background job.
func (j *IdleSweeper) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Info("started", "interval", j.interval, "idle", j.idle)
}

// Stop gracefully stops the background job. It is safe to call more than once.
func (j *IdleSweeper) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
		j.wg.Wait()
		j.logger.Info("stopped")
	})
}

func (j *IdleSweeper) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.RunOnce()
		case <-j.stopCh:
			return
		}
	}
}

// RunOnce performs a single sweep pass.
func (j *IdleSweeper) RunOnce() int {
	ctx, cancel := context.WithTimeout(context.Background(), j.interval)
	defer cancel()

	n := j.sweeper.Sweep(ctx, j.idle)
	if n > 0 {
		j.logger.Debug("evicted idle sessions", "count", n)
	}
	if j.onSwept != nil {
		j.onSwept(n)
	}
	return n
}
