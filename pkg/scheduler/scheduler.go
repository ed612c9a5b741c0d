// Package scheduler runs maintenance tasks: it admits submissions, guards
// scopes with the leased lock, executes operations on a fixed worker pool,
// persists every progress tick and fans status out to subscribers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/soundprediction/go-graphops/pkg/graph"
	"github.com/soundprediction/go-graphops/pkg/lock"
	"github.com/soundprediction/go-graphops/pkg/operations"
	"github.com/soundprediction/go-graphops/pkg/publisher"
	"github.com/soundprediction/go-graphops/pkg/store"
	"github.com/soundprediction/go-graphops/pkg/types"
)

// Config tunes the executor.
type Config struct {
	Workers         int
	QueueSize       int
	LeaseDuration   time.Duration
	MaxTaskDuration time.Duration
	SweepInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.MaxTaskDuration <= 0 {
		c.MaxTaskDuration = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// SubmitRequest is one requested operation.
type SubmitRequest struct {
	Kind   types.TaskKind
	Scope  types.Scope
	Params types.Params
	DryRun bool
}

// Cancel outcomes, mirrored on the wire.
const (
	CancelRequested = "cancel_requested"
	CancelNoEffect  = "no_effect"
)

// Scheduler is the task engine's executor.
type Scheduler struct {
	store     store.TaskStore
	lock      lock.ScopeLock
	engine    graph.Engine
	registry  *operations.Registry
	publisher *publisher.Publisher
	logger    *slog.Logger
	metrics   *Metrics
	cfg       Config

	queue   chan string
	queueMu sync.Mutex
	queued  int

	cancelsMu sync.Mutex
	cancels   map[string]context.CancelFunc

	baseCtx  context.Context
	stopFunc context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

// New wires a scheduler. Metrics may be nil when no registry is available
// (tests); all other collaborators are required.
func New(taskStore store.TaskStore, scopeLock lock.ScopeLock, engine graph.Engine,
	registry *operations.Registry, pub *publisher.Publisher, logger *slog.Logger,
	metrics *Metrics, cfg Config) *Scheduler {

	cfg = cfg.withDefaults()
	baseCtx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		store:     taskStore,
		lock:      scopeLock,
		engine:    engine,
		registry:  registry,
		publisher: pub,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		queue:     make(chan string, cfg.QueueSize),
		cancels:   make(map[string]context.CancelFunc),
		baseCtx:   baseCtx,
		stopFunc:  stop,
	}
}

// Start launches the worker pool and the supervisory sweep.
func (s *Scheduler) Start() {
	if s.started {
		return
	}
	s.started = true
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.sweep()
	s.logger.Info("scheduler started", "workers", s.cfg.Workers, "queue_size", s.cfg.QueueSize)
}

// Stop cancels running operations and waits for workers to drain, bounded
// by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	// The queue channel stays open so a Submit racing shutdown never sends
	// on a closed channel; workers exit through the base context instead.
	s.stopFunc()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown timed out: %w", ctx.Err())
	}
}

// Submit validates and admits an operation, returning the new task's id
// without waiting for completion. ValidationError, ErrConflict and ErrBusy
// all mean no task record was created.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	taskID, err := s.admit(ctx, req)
	if err != nil {
		return "", err
	}
	s.queue <- taskID
	s.metrics.taskSubmitted(req.Kind)
	s.logger.Info("task submitted", "task_id", taskID, "kind", req.Kind, "scope", req.Scope, "dry_run", req.DryRun)
	return taskID, nil
}

// RunSync admits like Submit but executes on the caller's goroutine and
// returns the terminal task. Meant for operations cheap enough to finish
// within a request/response cycle.
func (s *Scheduler) RunSync(ctx context.Context, req SubmitRequest) (*types.Task, error) {
	taskID, err := s.admitLocked(ctx, req)
	if err != nil {
		return nil, err
	}
	s.metrics.taskSubmitted(req.Kind)
	s.execute(ctx, taskID)
	return s.store.Get(ctx, taskID)
}

// admit validates, takes the scope lock and creates the pending record,
// reserving a queue slot so the later send cannot block.
func (s *Scheduler) admit(ctx context.Context, req SubmitRequest) (string, error) {
	s.queueMu.Lock()
	if s.baseCtx.Err() != nil || s.queued >= s.cfg.QueueSize {
		s.queueMu.Unlock()
		return "", types.ErrBusy
	}
	s.queued++
	s.queueMu.Unlock()

	taskID, err := s.admitLocked(ctx, req)
	if err != nil {
		s.releaseQueueSlot()
		return "", err
	}
	return taskID, nil
}

// admitLocked performs validation, lock acquisition and record creation
// without touching queue accounting (RunSync bypasses the queue).
func (s *Scheduler) admitLocked(ctx context.Context, req SubmitRequest) (string, error) {
	if err := req.Scope.Validate(); err != nil {
		return "", err
	}
	if err := s.registry.Validate(req.Kind, req.Params, req.DryRun); err != nil {
		return "", err
	}

	// The id is generated before the record exists so the lock can name its
	// holder; on conflict nothing was created at all.
	taskID := uuid.New().String()
	if !req.DryRun {
		acquired, err := s.lock.TryAcquire(ctx, req.Scope, taskID, s.cfg.LeaseDuration)
		if err != nil {
			return "", fmt.Errorf("failed to acquire scope lock: %w", err)
		}
		if !acquired {
			return "", types.ErrConflict
		}
	}

	task, err := s.store.Create(ctx, taskID, req.Kind, req.Scope, req.Params, req.DryRun)
	if err != nil {
		if !req.DryRun {
			_ = s.lock.Release(ctx, req.Scope, taskID)
		}
		return "", fmt.Errorf("failed to create task record: %w", err)
	}
	return task.ID, nil
}

func (s *Scheduler) releaseQueueSlot() {
	s.queueMu.Lock()
	s.queued--
	s.queueMu.Unlock()
}

// Cancel requests cooperative cancellation. Terminal tasks report no_effect.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (string, error) {
	requested, err := s.store.RequestCancel(ctx, taskID)
	if err != nil {
		return "", err
	}
	if !requested {
		return CancelNoEffect, nil
	}
	s.logger.Info("cancellation requested", "task_id", taskID)
	return CancelRequested, nil
}

// Get returns one task.
func (s *Scheduler) Get(ctx context.Context, taskID string) (*types.Task, error) {
	return s.store.Get(ctx, taskID)
}

// List returns tasks matching the filter, newest first.
func (s *Scheduler) List(ctx context.Context, filter store.Filter) ([]*types.Task, error) {
	return s.store.List(ctx, filter)
}

// Subscribe opens a per-scope status feed.
func (s *Scheduler) Subscribe(scope types.Scope) *publisher.Subscription {
	return s.publisher.Subscribe(scope)
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case taskID := <-s.queue:
			s.releaseQueueSlot()
			s.execute(s.baseCtx, taskID)
		}
	}
}

// execute drives one task to exactly one terminal status.
func (s *Scheduler) execute(ctx context.Context, taskID string) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		s.logger.Error("failed to load task for execution", "task_id", taskID, "error", err)
		return
	}

	// A cancel that raced submission wins before any work starts.
	if task.CancelRequested {
		s.finishCancelled(ctx, task, types.StatusPending)
		return
	}

	now := time.Now().UTC()
	running := types.StatusRunning
	task, err = s.store.Update(ctx, taskID, store.Patch{Status: &running, StartedAt: &now})
	if err != nil {
		s.logger.Error("failed to start task", "task_id", taskID, "error", err)
		return
	}
	s.metrics.taskStarted()
	s.publish(task)

	opCtx, cancelOp := context.WithCancel(ctx)
	defer cancelOp()
	s.trackCancel(taskID, cancelOp)
	defer s.untrackCancel(taskID)

	var leaseLost atomic.Bool
	renewalDone := make(chan struct{})
	if !task.DryRun {
		go s.renewLease(opCtx, task, &leaseLost, cancelOp, renewalDone)
	} else {
		close(renewalDone)
	}

	run := &operations.Run{
		Scope:  task.Scope,
		Params: task.Params,
		DryRun: task.DryRun,
		Engine: s.engine,
		Progress: func(progress int, message string) {
			updated, err := s.store.Update(opCtx, taskID, store.Patch{Progress: &progress, Message: &message})
			if err != nil {
				// The sweep may have forced the task terminal under us.
				s.logger.Warn("dropping progress tick", "task_id", taskID, "error", err)
				return
			}
			s.publish(updated)
		},
		Cancelled: func() bool {
			current, err := s.store.Get(opCtx, taskID)
			if err != nil {
				return true
			}
			return current.CancelRequested
		},
	}

	result, opErr := s.registry.Execute(opCtx, task.Kind, run)
	cancelOp()
	<-renewalDone

	start := time.Now()
	if task.StartedAt != nil {
		start = *task.StartedAt
	}
	switch {
	case opErr == nil:
		s.finishCompleted(ctx, task, result)
	case errors.Is(opErr, types.ErrCancelled):
		s.finishCancelled(ctx, task, types.StatusRunning)
	default:
		s.finishFailed(ctx, task, result, opErr, leaseLost.Load())
	}
	s.metrics.taskFinished()
	s.metrics.observeDuration(task.Kind, time.Since(start))
}

// renewLease extends the scope lease every LeaseDuration/2 for the lifetime
// of the operation. A failed renewal means the lock may already belong to
// someone else, so the operation is aborted defensively.
func (s *Scheduler) renewLease(ctx context.Context, task *types.Task, leaseLost *atomic.Bool, abort context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.LeaseDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.lock.Renew(ctx, task.Scope, task.ID, s.cfg.LeaseDuration); err != nil {
				s.logger.Error("lease renewal failed, aborting operation",
					"task_id", task.ID, "scope", task.Scope, "error", err)
				leaseLost.Store(true)
				abort()
				return
			}
		}
	}
}

func (s *Scheduler) finishCompleted(ctx context.Context, task *types.Task, result types.Result) {
	now := time.Now().UTC()
	completed := types.StatusCompleted
	full := 100
	message := "completed"
	updated, err := s.store.Update(ctx, task.ID, store.Patch{
		Status:      &completed,
		Progress:    &full,
		Message:     &message,
		Result:      result,
		CompletedAt: &now,
	})
	if err != nil {
		s.logger.Error("failed to record completion", "task_id", task.ID, "error", err)
		s.releaseLock(ctx, task)
		return
	}
	s.releaseLock(ctx, task)
	s.publish(updated)
	s.metrics.taskTerminal(task.Kind, types.StatusCompleted)
	s.logger.Info("task completed", "task_id", task.ID, "kind", task.Kind, "scope", task.Scope)
}

func (s *Scheduler) finishFailed(ctx context.Context, task *types.Task, partial types.Result, opErr error, leaseLost bool) {
	now := time.Now().UTC()
	failed := types.StatusFailed
	taskErr := classifyError(opErr, leaseLost)
	patch := store.Patch{
		Status:      &failed,
		Error:       taskErr,
		CompletedAt: &now,
	}
	if len(partial) > 0 {
		patch.Result = partial
	}
	updated, err := s.store.Update(ctx, task.ID, patch)
	if err != nil {
		// Most likely the supervisory sweep already failed it.
		s.logger.Warn("failed to record failure", "task_id", task.ID, "error", err)
		s.releaseLock(ctx, task)
		return
	}
	s.releaseLock(ctx, task)
	s.publish(updated)
	s.metrics.taskTerminal(task.Kind, types.StatusFailed)
	s.logger.Error("task failed", "task_id", task.ID, "kind", task.Kind, "scope", task.Scope, "error", opErr)
}

func (s *Scheduler) finishCancelled(ctx context.Context, task *types.Task, from types.TaskStatus) {
	now := time.Now().UTC()
	cancelled := types.StatusCancelled
	message := "cancelled"
	updated, err := s.store.Update(ctx, task.ID, store.Patch{
		Status:      &cancelled,
		Message:     &message,
		CompletedAt: &now,
	})
	if err != nil {
		s.logger.Error("failed to record cancellation", "task_id", task.ID, "error", err)
		s.releaseLock(ctx, task)
		return
	}
	s.releaseLock(ctx, task)
	s.publish(updated)
	s.metrics.taskTerminal(task.Kind, types.StatusCancelled)
	s.logger.Info("task cancelled", "task_id", task.ID, "kind", task.Kind, "from", from)
}

func (s *Scheduler) releaseLock(ctx context.Context, task *types.Task) {
	if task.DryRun {
		return
	}
	if err := s.lock.Release(ctx, task.Scope, task.ID); err != nil && !errors.Is(err, lock.ErrNotHolder) {
		s.logger.Error("failed to release scope lock", "task_id", task.ID, "scope", task.Scope, "error", err)
	}
}

func classifyError(opErr error, leaseLost bool) *types.TaskError {
	if leaseLost {
		return &types.TaskError{Code: types.ErrCodeLeaseLost, Message: opErr.Error()}
	}
	var extErr *types.ExternalServiceError
	if errors.As(opErr, &extErr) {
		return &types.TaskError{Code: types.ErrCodeExternalService, Message: opErr.Error()}
	}
	return &types.TaskError{Code: types.ErrCodeOperationFailed, Message: opErr.Error()}
}

// sweep forcibly fails running tasks that exceeded the maximum duration.
// Their leases are left to expire naturally.
func (s *Scheduler) sweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Scheduler) sweepOnce() {
	running := types.StatusRunning
	tasks, err := s.store.List(s.baseCtx, store.Filter{Status: &running})
	if err != nil {
		s.logger.Error("supervisory sweep failed to list tasks", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, task := range tasks {
		if task.StartedAt == nil || now.Sub(*task.StartedAt) <= s.cfg.MaxTaskDuration {
			continue
		}
		failed := types.StatusFailed
		taskErr := &types.TaskError{
			Code:    types.ErrCodeTimeout,
			Message: fmt.Sprintf("task exceeded maximum duration %s", s.cfg.MaxTaskDuration),
		}
		updated, err := s.store.Update(s.baseCtx, task.ID, store.Patch{
			Status:      &failed,
			Error:       taskErr,
			CompletedAt: &now,
		})
		if err != nil {
			// Lost the race against normal completion; nothing to do.
			continue
		}
		s.abortRunning(task.ID)
		s.publish(updated)
		s.metrics.taskTerminal(task.Kind, types.StatusFailed)
		s.logger.Warn("supervisory sweep failed stalled task", "task_id", task.ID, "kind", task.Kind)
	}
}

func (s *Scheduler) trackCancel(taskID string, cancel context.CancelFunc) {
	s.cancelsMu.Lock()
	s.cancels[taskID] = cancel
	s.cancelsMu.Unlock()
}

func (s *Scheduler) untrackCancel(taskID string) {
	s.cancelsMu.Lock()
	delete(s.cancels, taskID)
	s.cancelsMu.Unlock()
}

func (s *Scheduler) abortRunning(taskID string) {
	s.cancelsMu.Lock()
	cancel, ok := s.cancels[taskID]
	s.cancelsMu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Scheduler) publish(task *types.Task) {
	s.publisher.Publish(types.StatusUpdate{
		TaskID:   task.ID,
		Scope:    task.Scope,
		Status:   task.Status,
		Progress: task.Progress,
		Message:  task.Message,
	})
}
