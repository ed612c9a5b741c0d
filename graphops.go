// Package graphops is a maintenance console for temporal knowledge graphs.
// It fronts an external graph engine with durable task records, per-scope
// leased locks, a fixed worker pool and live status updates, so operators
// can run refreshes, deduplication and other upkeep without stepping on
// each other.
package graphops

import (
	"context"
	"errors"
	"log/slog"

	"github.com/soundprediction/go-graphops/pkg/graph"
	"github.com/soundprediction/go-graphops/pkg/lock"
	"github.com/soundprediction/go-graphops/pkg/operations"
	"github.com/soundprediction/go-graphops/pkg/publisher"
	"github.com/soundprediction/go-graphops/pkg/scheduler"
	"github.com/soundprediction/go-graphops/pkg/store"
	"github.com/soundprediction/go-graphops/pkg/types"
)

// GraphOps is the main interface for running graph maintenance. It accepts
// operation submissions, tracks their task records and fans out status
// updates while the workers do the actual graph surgery.
type GraphOps interface {
	// Submit validates and enqueues an operation, returning the new
	// task's id without waiting for execution.
	Submit(ctx context.Context, req scheduler.SubmitRequest) (string, error)

	// RunSync validates, executes and waits for an operation, returning
	// the terminal task record. Intended for CLI callers and tests.
	RunSync(ctx context.Context, req scheduler.SubmitRequest) (*types.Task, error)

	// GetTask retrieves one task record by id.
	GetTask(ctx context.Context, taskID string) (*types.Task, error)

	// ListTasks retrieves task records matching the filter, newest first.
	ListTasks(ctx context.Context, filter store.Filter) ([]*types.Task, error)

	// Cancel requests cooperative cancellation of a task. The returned
	// outcome is CancelRequested or CancelNoEffect.
	Cancel(ctx context.Context, taskID string) (string, error)

	// Subscribe opens a status update stream for one scope.
	Subscribe(scope types.Scope) *publisher.Subscription

	// Ping verifies connectivity to the graph engine.
	Ping(ctx context.Context) error

	// Close stops the workers and releases all resources.
	Close(ctx context.Context) error
}

// Client is the main implementation of the GraphOps interface.
type Client struct {
	store     store.TaskStore
	lock      lock.ScopeLock
	engine    graph.Engine
	registry  *operations.Registry
	publisher *publisher.Publisher
	scheduler *scheduler.Scheduler
	recurring *scheduler.RecurringScheduler
	logger    *slog.Logger
}

// Config holds configuration for the GraphOps client.
type Config struct {
	// Tasks tunes the worker pool. Zero values get defaults.
	Tasks scheduler.Config
	// Recurring entries are submitted on their cron schedules.
	Recurring []scheduler.RecurringEntry
	// Metrics may be nil when no Prometheus registry is available.
	Metrics *scheduler.Metrics
}

// NewClient creates a new GraphOps client with the provided collaborators.
// The task store and scope lock typically share one badger database; see
// store.OpenBadger.
func NewClient(engine graph.Engine, taskStore store.TaskStore, scopeLock lock.ScopeLock,
	logger *slog.Logger, config *Config) (*Client, error) {

	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	registry := operations.NewRegistry(taskStore)
	pub := publisher.New()
	sched := scheduler.New(taskStore, scopeLock, engine, registry, pub, logger, config.Metrics, config.Tasks)

	client := &Client{
		store:     taskStore,
		lock:      scopeLock,
		engine:    engine,
		registry:  registry,
		publisher: pub,
		scheduler: sched,
		logger:    logger,
	}

	if len(config.Recurring) > 0 {
		recurring, err := scheduler.NewRecurring(sched, logger, config.Recurring)
		if err != nil {
			return nil, err
		}
		client.recurring = recurring
	}
	return client, nil
}

// Start launches the worker pool and any recurring schedules.
func (c *Client) Start() {
	c.scheduler.Start()
	if c.recurring != nil {
		c.recurring.Start()
	}
}

// Submit validates and enqueues an operation.
func (c *Client) Submit(ctx context.Context, req scheduler.SubmitRequest) (string, error) {
	return c.scheduler.Submit(ctx, req)
}

// RunSync validates, executes and waits for an operation.
func (c *Client) RunSync(ctx context.Context, req scheduler.SubmitRequest) (*types.Task, error) {
	return c.scheduler.RunSync(ctx, req)
}

// GetTask retrieves one task record by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	return c.scheduler.Get(ctx, taskID)
}

// ListTasks retrieves task records matching the filter.
func (c *Client) ListTasks(ctx context.Context, filter store.Filter) ([]*types.Task, error) {
	return c.scheduler.List(ctx, filter)
}

// Cancel requests cooperative cancellation of a task.
func (c *Client) Cancel(ctx context.Context, taskID string) (string, error) {
	return c.scheduler.Cancel(ctx, taskID)
}

// Subscribe opens a status update stream for one scope. Callers must Close
// the subscription when done.
func (c *Client) Subscribe(scope types.Scope) *publisher.Subscription {
	return c.publisher.Subscribe(scope)
}

// Ping verifies connectivity to the graph engine.
func (c *Client) Ping(ctx context.Context) error {
	return c.engine.Ping(ctx)
}

// Close stops the recurring schedules and worker pool, then closes the
// engine and the task store.
func (c *Client) Close(ctx context.Context) error {
	if c.recurring != nil {
		c.recurring.Stop(ctx)
	}
	var errs []error
	if err := c.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.engine.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
