package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is the default interval between sweeps.
const DefaultSweepInterval = 2 * time.Minute

// Sweeper is anything that can drop its stale state in one pass.
// Both cache stores and the popularity tracker implement it.
type Sweeper interface {
	Name() string
	Sweep() int
}

// JanitorConfig configures the sweep job.
type JanitorConfig struct {
	// Interval is the duration between sweeps.
	Interval time.Duration
	// Logger for job activity.
	Logger *slog.Logger
	// Metrics for sweep tracking. Optional.
	Metrics *Metrics
}

// Janitor periodically sweeps expired cache entries and idle popularity
// records, independent of request traffic.
type Janitor struct {
	config   JanitorConfig
	sweepers []Sweeper

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewJanitor creates a sweep job over the given targets.
func NewJanitor(config JanitorConfig, sweepers ...Sweeper) *Janitor {
	if config.Interval <= 0 {
		config.Interval = DefaultSweepInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Janitor{
		config:   config,
		sweepers: sweepers,
	}
}

// Start begins the periodic sweep.
// Returns immediately; the job runs in a background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
}

// Stop signals the sweep job to stop and waits for it to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh := j.stopCh
	doneCh := j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning returns whether the job is currently running.
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("cache janitor stopping due to context cancellation")
			return
		case <-j.stopCh:
			j.config.Logger.Info("cache janitor stopping due to stop signal")
			return
		case <-ticker.C:
			j.SweepNow()
		}
	}
}

// SweepNow runs one sweep over every target and returns the number of
// entries removed per target. A panicking target is logged and skipped.
func (j *Janitor) SweepNow() map[string]int {
	start := time.Now()
	removed := make(map[string]int, len(j.sweepers))
	failed := false

	for _, s := range j.sweepers {
		n, err := sweepOne(s)
		if err != nil {
			failed = true
			j.config.Logger.Error("sweep failed", "target", s.Name(), "error", err)
			if j.config.Metrics != nil {
				j.config.Metrics.IncJobErrors(JobTypeCacheSweep, "panic")
			}
			continue
		}
		removed[s.Name()] = n
		if j.config.Metrics != nil && n > 0 {
			j.config.Metrics.AddSwept(s.Name(), n)
		}
	}

	duration := time.Since(start).Seconds()
	if j.config.Metrics != nil {
		status := StatusSuccess
		if failed {
			status = StatusFailure
		}
		j.config.Metrics.IncJobsTotal(JobTypeCacheSweep, status)
		j.config.Metrics.ObserveJobDuration(JobTypeCacheSweep, duration)
	}

	j.config.Logger.Debug("cache sweep completed",
		"duration_seconds", duration,
		"removed", removed)

	return removed
}

func sweepOne(s Sweeper) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Sweep(), nil
}
