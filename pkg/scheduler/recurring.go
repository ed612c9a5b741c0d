package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/soundprediction/go-graphops/pkg/types"
)

// RecurringEntry ties a cron expression to a submission. Standard five-field
// expressions are accepted, plus descriptors like @hourly and @daily.
type RecurringEntry struct {
	Spec    string
	Request SubmitRequest
}

// RecurringScheduler submits maintenance tasks on a cron schedule. A firing
// that collides with a task already holding the scope lock is skipped, so a
// slow run never piles up behind itself.
type RecurringScheduler struct {
	scheduler *Scheduler
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewRecurring builds a recurring scheduler over sched. Entries are validated
// eagerly; a bad cron expression or an unknown kind fails the whole set.
func NewRecurring(sched *Scheduler, logger *slog.Logger, entries []RecurringEntry) (*RecurringScheduler, error) {
	rs := &RecurringScheduler{
		scheduler: sched,
		logger:    logger,
		cron:      cron.New(),
	}
	for _, entry := range entries {
		if _, err := types.ParseTaskKind(string(entry.Request.Kind)); err != nil {
			return nil, fmt.Errorf("recurring entry %q: %w", entry.Spec, err)
		}
		req := entry.Request
		spec := entry.Spec
		if _, err := rs.cron.AddFunc(spec, func() { rs.fire(spec, req) }); err != nil {
			return nil, fmt.Errorf("recurring entry %q: %w", spec, err)
		}
	}
	return rs, nil
}

// Start begins firing entries on their schedules.
func (rs *RecurringScheduler) Start() {
	rs.cron.Start()
}

// Stop halts the timers and waits for in-flight submissions, bounded by ctx.
func (rs *RecurringScheduler) Stop(ctx context.Context) {
	stopped := rs.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}

func (rs *RecurringScheduler) fire(spec string, req SubmitRequest) {
	taskID, err := rs.scheduler.Submit(context.Background(), req)
	switch {
	case err == nil:
		rs.logger.Info("recurring task submitted",
			"task_id", taskID, "kind", req.Kind, "scope", req.Scope, "spec", spec)
	case errors.Is(err, types.ErrConflict):
		rs.logger.Info("recurring task skipped, scope busy",
			"kind", req.Kind, "scope", req.Scope, "spec", spec)
	case errors.Is(err, types.ErrBusy):
		rs.logger.Warn("recurring task skipped, queue full",
			"kind", req.Kind, "scope", req.Scope, "spec", spec)
	default:
		rs.logger.Error("recurring task submission failed",
			"kind", req.Kind, "scope", req.Scope, "spec", spec, "error", err)
	}
}
