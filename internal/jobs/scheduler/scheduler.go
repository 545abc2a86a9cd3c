package scheduler

import (
	"context"
	"fmt"
	"time"

	"notification-engine/internal/observability"
)

// Job is a periodic unit of work, such as a channel dispatch pass or the
// campaign materialization tick.
type Job interface {
	// Name identifies the job in logs
	Name() string
	// Run executes one pass
	Run(ctx context.Context) error
	// Schedule returns the interval between passes
	Schedule() time.Duration
}

// Scheduler runs registered jobs on their intervals until the context is
// cancelled. Registration order staggers the first run of each job so that
// the per-channel dispatch loops do not contend for queue leases on startup.
type Scheduler struct {
	jobs   []Job
	logger *observability.Logger
}

func New(logger *observability.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job Job) {
	s.jobs = append(s.jobs, job)
	s.logger.Info(context.Background(), fmt.Sprintf("registered job %s every %s", job.Name(), job.Schedule()))
}

// Start launches every registered job and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info(ctx, fmt.Sprintf("job scheduler starting %d jobs", len(s.jobs)))

	for i, job := range s.jobs {
		go s.loop(ctx, job, time.Duration(i)*startStagger)
	}

	<-ctx.Done()
	s.logger.Info(ctx, "job scheduler stopped")
	return ctx.Err()
}

const startStagger = 2 * time.Second

func (s *Scheduler) loop(ctx context.Context, job Job, delay time.Duration) {
	jobCtx := observability.WithFields(ctx, observability.Field{Key: "job", Value: job.Name()})

	if delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	s.run(jobCtx, job)

	ticker := time.NewTicker(job.Schedule())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(jobCtx, fmt.Sprintf("stopping job %s", job.Name()))
			return
		case <-ticker.C:
			s.run(jobCtx, job)
		}
	}
}

// run executes a single pass with a deadline of one interval, so a stuck
// pass cannot pile up behind the ticker.
func (s *Scheduler) run(ctx context.Context, job Job) {
	runCtx, cancel := context.WithTimeout(ctx, job.Schedule())
	defer cancel()

	start := time.Now()
	err := job.Run(runCtx)
	elapsed := time.Since(start)

	if err != nil {
		s.logger.Error(ctx, fmt.Sprintf("job %s failed after %s", job.Name(), elapsed), err)
		return
	}
	s.logger.Metrics(ctx,
		observability.MetricField{Key: "job_name", Value: job.Name()},
		observability.MetricField{Key: "job_duration_ms", Value: elapsed.Milliseconds()},
	)
}
