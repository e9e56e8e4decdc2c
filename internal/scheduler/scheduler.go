package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirychukyurii/vpn-node-balancer/internal/metrics"
)

// Job is a periodic background task
type Job struct {
	Name     string
	Interval time.Duration
	// Backoff is the wait after a failed run, Interval when zero
	Backoff time.Duration
	Run     func(ctx context.Context) error
}

// Locker grants exclusive job runs across replicas
type Locker interface {
	// TryLock returns acquired=false without error when another replica
	// holds the lock
	TryLock(ctx context.Context, name string) (release func(), acquired bool, err error)
}

// Scheduler runs jobs in their own goroutines until stopped. A failing or
// panicking run never ends the loop.
type Scheduler struct {
	jobs       []Job
	locker     Locker
	logger     *slog.Logger
	startDelay time.Duration
	cancel     context.CancelFunc
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// Option customizes the scheduler
type Option func(*Scheduler)

// WithLocker makes every run take a lock named after the job
func WithLocker(locker Locker) Option {
	return func(s *Scheduler) {
		s.locker = locker
	}
}

// WithStartDelay postpones the first run of every job
func WithStartDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		s.startDelay = d
	}
}

// New creates a scheduler
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. Jobs without interval are ignored.
func (s *Scheduler) Add(job Job) {
	if job.Interval <= 0 {
		s.logger.Info("job is disabled", slog.String("job", job.Name))
		return
	}
	s.jobs = append(s.jobs, job)
}

// Start launches every registered job
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, job := range s.jobs {
		s.logger.Info("starting job",
			slog.String("job", job.Name),
			slog.Duration("interval", job.Interval),
			slog.Duration("backoff", job.backoff()),
		)

		s.wg.Add(1)
		go s.run(ctx, job)
	}
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			return
		}

		s.logger.Info("stopping scheduler")
		s.cancel()
		s.wg.Wait()
		s.logger.Info("scheduler stopped")
	})
}

func (j Job) backoff() time.Duration {
	if j.Backoff > 0 {
		return j.Backoff
	}
	return j.Interval
}

// run is the loop of a single job
func (s *Scheduler) run(ctx context.Context, job Job) {
	defer s.wg.Done()

	wait := s.startDelay
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		wait = job.Interval
		if err := s.RunOnce(ctx, job); err != nil {
			if ctx.Err() != nil {
				return
			}

			s.logger.Error("job failed",
				slog.String("job", job.Name),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", job.backoff()),
			)
			wait = job.backoff()
		}
	}
}

// RunOnce executes a single run of the job under its lock
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (err error) {
	started := time.Now()

	if s.locker != nil {
		release, acquired, err := s.locker.TryLock(ctx, job.Name)
		if err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		if !acquired {
			s.logger.Debug("job is running on another replica", slog.String("job", job.Name))
			return nil
		}
		defer release()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
		metrics.ObserveJob(job.Name, started, err)
	}()

	s.logger.Debug("running job", slog.String("job", job.Name))
	return job.Run(ctx)
}
