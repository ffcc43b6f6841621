package daemon

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cavaliercoder/urpm-ng/internal/log"
)

// task is one scheduled maintenance job. A task that fails logs and retries
// at its next interval; it never blocks the API or the other tasks.
type task struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error

	nextRun time.Time
}

// Scheduler is the daemon's cooperative maintenance loop: one goroutine
// checks the task table every tick and dispatches due tasks onto a bounded
// worker pool. All delays are quantized to the tick, and each task's first
// run is offset randomly so many machines on one LAN don't hit their
// mirrors simultaneously.
type Scheduler struct {
	tasks []*task
	tick  time.Duration

	workers chan struct{}

	mu      sync.Mutex
	lastRun map[string]time.Time
	lastErr map[string]string
}

// NewScheduler builds a scheduler with the given worker-pool size. Dev mode
// shortens the tick so short dev intervals are honored.
func NewScheduler(devMode bool, workers int) *Scheduler {
	tick := time.Minute
	if devMode {
		tick = 10 * time.Second
	}
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		tick:    tick,
		workers: make(chan struct{}, workers),
		lastRun: make(map[string]time.Time),
		lastErr: make(map[string]string),
	}
}

// Add registers a task. Intervals shorter than one tick are rounded up.
func (s *Scheduler) Add(name string, interval time.Duration, run func(ctx context.Context) error) {
	if interval < s.tick {
		interval = s.tick
	}
	// First run lands between one tick and one tick plus half the interval
	// from now.
	offset := s.tick + time.Duration(rand.Int63n(int64(interval/2)))
	s.tasks = append(s.tasks, &task{
		name:     name,
		interval: interval,
		run:      run,
		nextRun:  time.Now().Add(offset.Truncate(s.tick)),
	})
}

// Run executes the scheduler loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.dispatchDue(ctx, now)
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) {
	for _, t := range s.tasks {
		if now.Before(t.nextRun) {
			continue
		}

		// ±30% jitter on the next interval keeps peers desynchronized.
		jitter := 1 + (rand.Float64()*0.6 - 0.3)
		t.nextRun = now.Add(time.Duration(float64(t.interval) * jitter).Truncate(s.tick))

		t := t
		select {
		case s.workers <- struct{}{}:
			go func() {
				defer func() { <-s.workers }()
				log.Dprintf("scheduler: running %s\n", t.name)
				err := t.run(ctx)

				s.mu.Lock()
				s.lastRun[t.name] = time.Now()
				if err != nil {
					s.lastErr[t.name] = err.Error()
				} else {
					delete(s.lastErr, t.name)
				}
				s.mu.Unlock()

				if err != nil {
					log.Errorf(err, "scheduler task %s", t.name)
				}
			}()
		default:
			// Pool saturated; the task stays due and is retried next tick.
			t.nextRun = now.Add(s.tick)
		}
	}
}

// TaskState is one row of the scheduler's status report.
type TaskState struct {
	Name     string `json:"name"`
	Interval string `json:"interval"`
	LastRun  string `json:"last_run,omitempty"`
	LastErr  string `json:"last_error,omitempty"`
	NextRun  string `json:"next_run"`
}

// State reports every task's schedule for /api/status.
func (s *Scheduler) State() []TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []TaskState
	for _, t := range s.tasks {
		ts := TaskState{
			Name:     t.name,
			Interval: t.interval.String(),
			NextRun:  t.nextRun.Format(time.RFC3339),
			LastErr:  s.lastErr[t.name],
		}
		if lr, ok := s.lastRun[t.name]; ok {
			ts.LastRun = lr.Format(time.RFC3339)
		}
		out = append(out, ts)
	}
	return out
}
