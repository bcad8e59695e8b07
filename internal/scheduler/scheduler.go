// Package scheduler runs maintenance jobs on cron expressions, checked once a minute.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one named periodic task.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

// Scheduler evaluates every job's expression at each minute boundary.
// A job that is still running when it comes due again is skipped.
type Scheduler struct {
	gron    *gronx.Gronx
	jobs    []Job
	running sync.Map // job name -> struct{}
	tick    time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{gron: gronx.New(), tick: time.Minute, now: time.Now}
}

// Add registers a job. Empty or "off" expressions are ignored.
func (s *Scheduler) Add(j Job) error {
	if j.Expr == "" || j.Expr == "off" {
		return nil
	}
	if !s.gron.IsValid(j.Expr) {
		return fmt.Errorf("job %s: invalid cron expression %q", j.Name, j.Expr)
	}
	s.jobs = append(s.jobs, j)
	slog.Info("scheduler.job_added", "job", j.Name, "expr", j.Expr)
	return nil
}

// Len returns the number of active jobs.
func (s *Scheduler) Len() int { return len(s.jobs) }

// Run blocks until ctx is done, then waits for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.jobs) == 0 {
		return
	}
	// Align to the next minute so expressions fire on the boundary.
	first := s.now().Truncate(time.Minute).Add(time.Minute).Sub(s.now())
	timer := time.NewTimer(first)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-timer.C:
			s.RunDue(ctx, s.now())
			timer.Reset(s.tick)
		}
	}
}

// RunDue starts every job due at t in its own goroutine.
func (s *Scheduler) RunDue(ctx context.Context, t time.Time) {
	for _, j := range s.jobs {
		due, err := s.gron.IsDue(j.Expr, t.Truncate(time.Minute))
		if err != nil || !due {
			continue
		}
		if _, busy := s.running.LoadOrStore(j.Name, struct{}{}); busy {
			slog.Warn("scheduler.job_overlap", "job", j.Name)
			continue
		}
		s.wg.Add(1)
		go func(j Job) {
			defer s.wg.Done()
			defer s.running.Delete(j.Name)
			start := time.Now()
			if err := j.Run(ctx); err != nil {
				slog.Error("scheduler.job_failed", "job", j.Name, "error", err)
				return
			}
			slog.Debug("scheduler.job_done", "job", j.Name, "took", time.Since(start))
		}(j)
	}
}

// Wait blocks until in-flight jobs finish.
func (s *Scheduler) Wait() { s.wg.Wait() }
