package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled background task.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

const defaultJobTimeout = 2 * time.Minute

// StartCronJobs registers every job on its schedule and starts the scheduler.
// Returns an error if any schedule string is invalid so that main() can fail
// fast with a clear message instead of a buried panic.
//
// The returned *cron.Cron must be stopped on shutdown:
//
//	c, err := StartCronJobs(jobs...)
//	defer c.Stop()  // waits for any running job to finish before returning
func StartCronJobs(jobs ...Job) (*cron.Cron, error) {
	c := cron.New()

	for _, job := range jobs {
		if _, err := c.AddFunc(job.Schedule, func() { runJob(job) }); err != nil {
			return nil, err
		}
		slog.Info("cron job registered", "component", "cron", "job", job.Name, "schedule", job.Schedule)
	}

	c.Start()
	slog.Info("cron scheduler started", "component", "cron", "jobs", len(jobs))
	return c, nil
}

// runJob executes one job under its timeout. Failures are logged; the
// scheduler keeps running.
func runJob(job Job) error {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}

	slog.Info("cron job started", "component", "cron", "job", job.Name)
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := job.Run(ctx); err != nil {
		slog.Error("cron job failed", "component", "cron", "job", job.Name, "error", err)
		return err
	}
	slog.Info("cron job done", "component", "cron", "job", job.Name, "duration", time.Since(start))
	return nil
}
