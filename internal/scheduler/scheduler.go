// Package scheduler runs named jobs at fixed intervals. Every job runs in
// its own goroutine and a run that panics is logged and recovered; the
// job stays scheduled.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zerodha/logf"
)

var (
	// ErrExists is returned when registering a name that's already scheduled.
	ErrExists = errors.New("job is already scheduled")

	// ErrIntervalTooShort is returned for an interval below the
	// scheduler's minimum.
	ErrIntervalTooShort = errors.New("interval is below the minimum supported interval")
)

// Job is a scheduled function. ctx is cancelled when the job is
// unregistered or the scheduler is stopped.
type Job func(ctx context.Context)

type job struct {
	name     string
	interval time.Duration
	fn       Job
	next     time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// Closed when the job's goroutine exits.
	done chan struct{}
}

// Scheduler is a registry of recurring jobs.
type Scheduler struct {
	min  time.Duration
	jobs map[string]*job
	lo   logf.Logger

	mu sync.Mutex
	wg sync.WaitGroup
}

// New returns a Scheduler that refuses intervals below min.
func New(min time.Duration, lo logf.Logger) *Scheduler {
	return &Scheduler{
		min:  min,
		jobs: make(map[string]*job),
		lo:   lo,
	}
}

// Register schedules fn to run every interval. The first run is after one
// interval.
func (s *Scheduler) Register(name string, interval time.Duration, fn Job) error {
	if interval <= 0 || interval < s.min {
		return ErrIntervalTooShort
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return ErrExists
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		name:     name,
		interval: interval,
		fn:       fn,
		next:     time.Now().Add(interval),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.jobs[name] = j

	s.wg.Add(1)
	go s.loop(j)

	return nil
}

// Unregister removes a job. It returns false if the job wasn't scheduled.
// A run that's in progress is cancelled through its context and waited
// on. It must not be called from inside the job being removed.
func (s *Scheduler) Unregister(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if ok {
		j.cancel()
		delete(s.jobs, name)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	<-j.done
	return true
}

// Scheduled tells if a job is registered.
func (s *Scheduler) Scheduled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.jobs[name]
	return ok
}

// Next returns the next run time of a job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	return j.next, true
}

// Interval returns the interval of a job.
func (s *Scheduler) Interval(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return 0, false
	}
	return j.interval, true
}

// Stop unregisters all jobs and waits for their goroutines to exit. It
// must not be called from inside a job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for name, j := range s.jobs {
		j.cancel()
		delete(s.jobs, name)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(j *job) {
	defer s.wg.Done()
	defer close(j.done)

	t := time.NewTicker(j.interval)
	defer t.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case now := <-t.C:
			s.mu.Lock()
			j.next = now.Add(j.interval)
			s.mu.Unlock()

			s.run(j)
		}
	}
}

func (s *Scheduler) run(j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.lo.Error("scheduled job panicked", "job", j.name, "panic", r)
		}
	}()

	j.fn(j.ctx)
}
