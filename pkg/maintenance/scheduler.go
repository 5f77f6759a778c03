// Package maintenance runs periodic housekeeping jobs on cron schedules.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/octomem/pkg/logger"
)

// JobFunc does one run of a job and returns a summary for logs and the CLI.
type JobFunc func(ctx context.Context) (map[string]interface{}, error)

// Result is the outcome of one job run.
type Result struct {
	Job      string
	Started  time.Time
	Duration time.Duration
	Summary  map[string]interface{}
	Err      error
}

type job struct {
	name     string
	schedule string
	run      JobFunc
	lastRun  time.Time
}

// Scheduler checks its jobs every tick and runs the ones whose cron
// expression is due. A job runs at most once per minute.
type Scheduler struct {
	mu    sync.Mutex
	jobs  map[string]*job
	tick  time.Duration
	isDue func(expr string, ref ...time.Time) (bool, error)
	valid func(expr string) bool
	now   func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewScheduler(tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	g := gronx.New()
	return &Scheduler{
		jobs:  make(map[string]*job),
		tick:  tick,
		isDue: g.IsDue,
		valid: g.IsValid,
		now:   time.Now,
	}
}

// Add registers a job. Re-adding a name replaces its schedule and function.
func (s *Scheduler) Add(name, schedule string, run JobFunc) error {
	if name == "" || run == nil {
		return fmt.Errorf("maintenance job needs a name and a function")
	}
	if !s.valid(schedule) {
		return fmt.Errorf("maintenance job %s: invalid cron expression %q", name, schedule)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &job{name: name, schedule: schedule, run: run}
	return nil
}

// Jobs lists registered job names in order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Schedule returns the cron expression of a registered job.
func (s *Scheduler) Schedule(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return "", false
	}
	return j.schedule, true
}

// Next is the first time after ref the job is due.
func (s *Scheduler) Next(name string, ref time.Time) (time.Time, error) {
	expr, ok := s.Schedule(name)
	if !ok {
		return time.Time{}, fmt.Errorf("unknown maintenance job %q", name)
	}
	return gronx.NextTickAfter(expr, ref, false)
}

// RunDue runs every job due at now, sequentially in name order.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) []Result {
	minute := now.Truncate(time.Minute)
	var due []*job
	s.mu.Lock()
	for _, name := range s.sortedLocked() {
		j := s.jobs[name]
		if !j.lastRun.Before(minute) {
			continue
		}
		ok, err := s.isDue(j.schedule, now)
		if err != nil {
			logger.WarnCF("maintenance", "Cron expression check failed", map[string]interface{}{
				"job":   j.name,
				"error": err.Error(),
			})
			continue
		}
		if ok {
			j.lastRun = minute
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	results := make([]Result, 0, len(due))
	for _, j := range due {
		results = append(results, s.execute(ctx, j.name, j.run))
	}
	return results
}

// RunNow runs one job immediately regardless of its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (Result, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("unknown maintenance job %q", name)
	}
	return s.execute(ctx, j.name, j.run), nil
}

func (s *Scheduler) execute(ctx context.Context, name string, run JobFunc) Result {
	res := Result{Job: name, Started: s.now()}
	res.Summary, res.Err = run(ctx)
	res.Duration = s.now().Sub(res.Started)

	fields := map[string]interface{}{
		"job":         name,
		"duration_ms": res.Duration.Milliseconds(),
	}
	for k, v := range res.Summary {
		fields[k] = v
	}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
		logger.ErrorCF("maintenance", "Maintenance job failed", fields)
	} else {
		logger.InfoCF("maintenance", "Maintenance job finished", fields)
	}
	return res
}

func (s *Scheduler) sortedLocked() []string {
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Start runs due jobs on every tick until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunDue(ctx, s.now())
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	s.wg.Wait()
}
