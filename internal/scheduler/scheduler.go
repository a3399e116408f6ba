// Package scheduler starts workflows on cron schedules. Each fire time maps
// to one workflow ID, so replicas racing on the same job start it once.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/loom/internal/locks"
	"github.com/rendis/loom/internal/orchestrator"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/pkg/schema"
)

// Job outcomes recorded in ScheduledJob.LastRunStatus.
const (
	StatusStarted   = "started"
	StatusDuplicate = "duplicate"
	StatusError     = "error"
)

const leaderKey = "scheduler"

// Starter starts workflow runs. Satisfied by *orchestrator.Orchestrator.
type Starter interface {
	StartWorkflow(ctx context.Context, req orchestrator.StartRequest) (*schema.Execution, bool, error)
}

// Options wires a Scheduler. Store and Starter are required.
type Options struct {
	Store   store.Store
	Starter Starter
	// Locker serializes ticks across replicas. Optional.
	Locker    locks.Locker
	Logger    *slog.Logger
	TaskQueue string
	// Interval between due-job checks. Defaults to a minute, the cron
	// resolution.
	Interval time.Duration
	Now      func() time.Time
}

// Scheduler polls the store for due jobs and starts their workflows.
type Scheduler struct {
	store     store.Store
	starter   Starter
	locker    locks.Locker
	parser    cron.Parser
	logger    *slog.Logger
	taskQueue string
	interval  time.Duration
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		store:     opts.Store,
		starter:   opts.Starter,
		locker:    opts.Locker,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:    opts.Logger,
		taskQueue: opts.TaskQueue,
		interval:  opts.Interval,
		now:       opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "scheduler")
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CreateJob validates cronExpr and stores an enabled job whose first fire is
// the next matching time.
func (s *Scheduler) CreateJob(ctx context.Context, workflowType, cronExpr string, params json.RawMessage) (*store.ScheduledJob, error) {
	now := s.now().UTC()
	next, err := s.NextRun(cronExpr, now)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid schedule").WithCause(err)
	}
	job := &store.ScheduledJob{
		ID:             uuid.NewString(),
		WorkflowType:   workflowType,
		CronExpression: cronExpr,
		Params:         params,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "scheduled job created",
		"job_id", job.ID, "workflow_type", workflowType, "cron", cronExpr, "next_run_at", next)
	return job, nil
}

// Start launches the polling loop. The first check runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

// Stop halts the loop and waits for an in-progress tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick fires every enabled job that is due and returns how many it fired.
// A job that missed several fire times while nothing was running fires once,
// then resumes from the next future time.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, leaderKey)
		if err != nil {
			return 0, fmt.Errorf("acquire scheduler lock: %w", err)
		}
		defer unlock()
	}

	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return 0, fmt.Errorf("list scheduled jobs: %w", err)
	}
	now := s.now().UTC()
	fired := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || job.NextRunAt.After(now) {
			continue
		}
		if err := s.fire(ctx, job, now); err != nil {
			s.logger.ErrorContext(ctx, "scheduled job failed", "job_id", job.ID, "error", err)
			continue
		}
		fired++
	}
	return fired, nil
}

// fire starts the run for the job's due time and advances the job.
func (s *Scheduler) fire(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	fireAt := *job.NextRunAt
	workflowID := RunID(job.ID, fireAt)
	status := StatusStarted

	exec, created, err := s.starter.StartWorkflow(ctx, orchestrator.StartRequest{
		WorkflowID:    workflowID,
		WorkflowType:  job.WorkflowType,
		Input:         job.Params,
		TaskQueue:     s.taskQueue,
		IDReusePolicy: schema.ReuseRejectDuplicate,
	})
	switch {
	case err != nil:
		status = StatusError
		s.logger.WarnContext(ctx, "scheduled start rejected", "job_id", job.ID, "workflow_id", workflowID, "error", err)
	case !created:
		status = StatusDuplicate
		s.logger.DebugContext(ctx, "scheduled run already started", "job_id", job.ID, "run_id", exec.RunID)
	default:
		s.logger.InfoContext(ctx, "scheduled run started",
			"job_id", job.ID, "workflow_id", workflowID, "run_id", exec.RunID)
	}

	next, nerr := s.NextRun(job.CronExpression, now)
	if nerr != nil {
		return fmt.Errorf("next run for job %q: %w", job.ID, nerr)
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

// NextRun returns the first time after from that matches cronExpr.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// RunID is the workflow ID used for a job's fire time.
func RunID(jobID string, fireAt time.Time) string {
	return fmt.Sprintf("%s-%d", jobID, fireAt.Unix())
}
