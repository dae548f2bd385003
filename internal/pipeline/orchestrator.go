package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Job is one long-running background loop. Run must return when ctx is
// cancelled.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Orchestrator runs the background jobs of a worker process: the session
// horizon, boundary announcements, scheduled settlement and the archive
// cron.
type Orchestrator struct {
	jobs   []Job
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator for jobs.
func NewOrchestrator(logger *slog.Logger, jobs ...Job) *Orchestrator {
	return &Orchestrator{
		jobs:   jobs,
		logger: logger.With(slog.String("component", "orchestrator")),
	}
}

// Add appends a job. It must be called before Run.
func (o *Orchestrator) Add(name string, run func(ctx context.Context) error) {
	o.jobs = append(o.jobs, Job{Name: name, Run: run})
}

// Run starts every job as a goroutine in an errgroup. If any job returns a
// non-context error, the errgroup cancels the shared context and Run returns
// that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	names := make([]string, len(o.jobs))
	for i, j := range o.jobs {
		names[i] = j.Name
	}
	o.logger.InfoContext(ctx, "orchestrator starting", slog.Any("jobs", names))

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range o.jobs {
		g.Go(func() error {
			err := j.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			if err == nil {
				o.logger.WarnContext(ctx, "job exited early", slog.String("job", j.Name))
				return nil
			}
			return fmt.Errorf("%s: %w", j.Name, err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("orchestrator stopped cleanly")
	return nil
}
