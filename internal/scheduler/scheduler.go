// Package scheduler runs periodic maintenance jobs for the daemon, such as
// ledger chain verification.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/ledger"
	"github.com/quantumlife/knowledgebase/internal/logging"
)

// Handler is the function executed for a job
type Handler func(ctx context.Context) error

// Job is a handler run every Interval.
type Job struct {
	ID       string
	Name     string
	Interval time.Duration
	Timeout  time.Duration // default 5m
	Handler  Handler
}

// Status is a snapshot of a job's run history.
type Status struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Interval   string     `json:"interval"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
	LastError  string     `json:"last_error,omitempty"`
}

type entry struct {
	job    Job
	status Status
}

// Scheduler manages registered jobs
type Scheduler struct {
	jobs    map[string]*entry
	mu      sync.RWMutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	log     *logging.Logger
}

// New creates an idle scheduler.
func New() *Scheduler {
	return &Scheduler{
		jobs: make(map[string]*entry),
		log:  logging.For("scheduler"),
	}
}

// Register adds a job. Jobs registered after Start begin immediately.
func (s *Scheduler) Register(job Job) error {
	if job.ID == "" || job.Handler == nil {
		return fmt.Errorf("%w: job id and handler", core.ErrMissingRequired)
	}
	if job.Interval <= 0 {
		return fmt.Errorf("%w: job %s interval must be positive", core.ErrInvalidInput, job.ID)
	}
	if job.Timeout == 0 {
		job.Timeout = 5 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: job %s already registered", core.ErrInvalidInput, job.ID)
	}
	e := &entry{job: job, status: Status{ID: job.ID, Name: job.Name, Interval: job.Interval.String()}}
	s.jobs[job.ID] = e

	if s.started {
		s.startLocked(e)
	}
	return nil
}

// Start runs every registered job on its interval until Stop or until ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	for _, e := range s.jobs {
		s.startLocked(e)
	}
	s.log.Info("started %d jobs", len(s.jobs))
	return nil
}

func (s *Scheduler) startLocked(e *entry) {
	next := time.Now().Add(e.job.Interval)
	e.status.NextRun = &next

	s.wg.Add(1)
	go s.loop(s.ctx, e)
}

// Stop cancels all jobs and waits for running handlers to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.execute(ctx, e)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	execCtx, cancel := context.WithTimeout(ctx, e.job.Timeout)
	defer cancel()

	now := time.Now()
	s.mu.Lock()
	e.status.LastRun = &now
	e.status.RunCount++
	s.mu.Unlock()

	err := e.job.Handler(execCtx)

	s.mu.Lock()
	if err != nil {
		e.status.ErrorCount++
		e.status.LastError = err.Error()
	} else {
		e.status.LastError = ""
	}
	next := time.Now().Add(e.job.Interval)
	e.status.NextRun = &next
	s.mu.Unlock()

	if err != nil {
		s.log.WithError(err).WithField("job", e.job.ID).Warn("job failed")
	}
	return err
}

// RunNow executes a job synchronously and returns the handler's error.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.RLock()
	e, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: job %s", core.ErrRecordNotFound, id)
	}
	return s.execute(ctx, e)
}

// Jobs returns status snapshots ordered by id.
func (s *Scheduler) Jobs() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Status, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VerifyLedger returns a handler that checks the audit chain.
func VerifyLedger(store *ledger.Store) Handler {
	return func(ctx context.Context) error {
		return store.VerifyChain(ctx)
	}
}
