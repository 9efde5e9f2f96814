// Package scheduler runs periodic maintenance jobs on a cron schedule. Each
// run takes a named lock first so that only one server instance executes a
// job at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var ErrUnknownJob = errors.New("unknown job")

// Job is a named periodic unit of work.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Locker grants a named lock to at most one holder. ok is false when another
// holder has it.
type Locker interface {
	TryLock(ctx context.Context, name string) (release func(), ok bool, err error)
}

// LocalLocker is a process-local Locker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) TryLock(_ context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true
	return func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}, true, nil
}

type Scheduler struct {
	cron   *cron.Cron
	locker Locker
	logger zerolog.Logger
	jobs   map[string]Job
}

func New(locker Locker, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		locker: locker,
		logger: logger.With().Str("component", "scheduler").Logger(),
		jobs:   make(map[string]Job),
	}
}

// Register adds a job. schedule uses the standard five-field cron syntax.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	if job.Timeout <= 0 {
		job.Timeout = 10 * time.Minute
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { _ = s.run(context.Background(), job) }); err != nil {
		return fmt.Errorf("register %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	s.logger.Info().Str("job", job.Name).Str("spec", job.Spec).Msg("job registered")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
}

// Stop waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

// RunNow executes a registered job immediately, honouring the lock.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()
	log := s.logger.With().Str("job", job.Name).Logger()

	release, ok, err := s.locker.TryLock(ctx, "job:"+job.Name)
	if err != nil {
		log.Error().Err(err).Msg("failed to acquire job lock")
		return err
	}
	if !ok {
		log.Debug().Msg("job already running elsewhere, skipping")
		return nil
	}
	defer release()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("job failed")
		return err
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("job finished")
	return nil
}
