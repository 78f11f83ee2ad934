package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/hookrelay/pkg/config"
	"github.com/angelmondragon/hookrelay/pkg/db/models"
	"github.com/angelmondragon/hookrelay/pkg/enums"
	"github.com/angelmondragon/hookrelay/pkg/logger"
	"github.com/angelmondragon/hookrelay/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

const (
	reconcileJobName         = "delivery-reconcile"
	defaultReconcilePending  = 5 * time.Minute
	defaultReconcileBatch    = 200
	reconcileActionRequeued  = "requeued"
	reconcileActionScheduled = "rescheduled"
)

type staleEventLister interface {
	ListStale(ctx context.Context, status enums.EventStatus, before time.Time, limit int) ([]models.WebhookEvent, error)
}

type workQueue interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
	Contains(ctx context.Context, id uuid.UUID) (bool, error)
}

type delaySchedule interface {
	Schedule(ctx context.Context, id uuid.UUID, dueAt time.Time) error
	DueAt(ctx context.Context, id uuid.UUID) (time.Time, bool, error)
}

type waker interface {
	Notify(ctx context.Context) error
}

type ReconcileJobParams struct {
	Logger   *logger.Logger
	Config   config.ReconcileConfig
	Events   staleEventLister
	Queue    workQueue
	Schedule delaySchedule
	Notifier waker
	Metrics  *metrics.CronJobMetrics
}

// NewReconcileJob builds the job that puts orphaned records back into the
// pipeline: pending records present in neither the queue nor the schedule are
// re-queued, and retrying records missing from the schedule are re-scheduled.
// Only records untouched for PendingAge are considered, which keeps attempts
// in flight (claimed by the worker) out of the sweep.
func NewReconcileJob(params ReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Events == nil {
		return nil, fmt.Errorf("events repository required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("work queue required")
	}
	if params.Schedule == nil {
		return nil, fmt.Errorf("delay schedule required")
	}
	pendingAge := params.Config.PendingAge
	if pendingAge <= 0 {
		pendingAge = defaultReconcilePending
	}
	batch := params.Config.BatchSize
	if batch <= 0 {
		batch = defaultReconcileBatch
	}
	return &reconcileJob{
		logg:       params.Logger,
		events:     params.Events,
		queue:      params.Queue,
		schedule:   params.Schedule,
		waker:      params.Notifier,
		metrics:    params.Metrics,
		pendingAge: pendingAge,
		batch:      batch,
		now:        time.Now,
	}, nil
}

type reconcileJob struct {
	logg       *logger.Logger
	events     staleEventLister
	queue      workQueue
	schedule   delaySchedule
	waker      waker
	metrics    *metrics.CronJobMetrics
	pendingAge time.Duration
	batch      int
	now        func() time.Time
}

func (j *reconcileJob) Name() string { return reconcileJobName }

func (j *reconcileJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	cutoff := now.Add(-j.pendingAge)
	requeued, errPending := j.requeuePending(ctx, cutoff)
	rescheduled, errRetrying := j.rescheduleRetrying(ctx, now, cutoff)

	if requeued > 0 && j.waker != nil {
		if err := j.waker.Notify(ctx); err != nil {
			j.logg.Warn(j.logg.WithField(ctx, "error", err.Error()), "wake notification failed")
		}
	}
	if j.metrics != nil {
		j.metrics.AddItems(reconcileJobName, reconcileActionRequeued, requeued)
		j.metrics.AddItems(reconcileJobName, reconcileActionScheduled, rescheduled)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"requeued":    requeued,
		"rescheduled": rescheduled,
	}), "delivery reconcile complete")
	return multierr.Combine(errPending, errRetrying)
}

func (j *reconcileJob) requeuePending(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := j.events.ListStale(ctx, enums.EventStatusPending, cutoff, j.batch)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}
	var errs error
	count := 0
	for _, ev := range stale {
		queued, err := j.queue.Contains(ctx, ev.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("check queue %s: %w", ev.ID, err))
			continue
		}
		if queued {
			continue
		}
		_, scheduled, err := j.schedule.DueAt(ctx, ev.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("check schedule %s: %w", ev.ID, err))
			continue
		}
		if scheduled {
			continue
		}
		if err := j.queue.Enqueue(ctx, ev.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("requeue %s: %w", ev.ID, err))
			continue
		}
		j.logg.Info(j.logg.WithEventID(ctx, ev.ID.String()), "orphaned pending event requeued")
		count++
	}
	return count, errs
}

func (j *reconcileJob) rescheduleRetrying(ctx context.Context, now, cutoff time.Time) (int, error) {
	retrying, err := j.events.ListStale(ctx, enums.EventStatusRetrying, cutoff, j.batch)
	if err != nil {
		return 0, fmt.Errorf("list retrying: %w", err)
	}
	var errs error
	count := 0
	for _, ev := range retrying {
		_, scheduled, err := j.schedule.DueAt(ctx, ev.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("check schedule %s: %w", ev.ID, err))
			continue
		}
		if scheduled {
			continue
		}
		dueAt := now
		if ev.NextRetryAt != nil && ev.NextRetryAt.After(now) {
			dueAt = *ev.NextRetryAt
		}
		if err := j.schedule.Schedule(ctx, ev.ID, dueAt); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reschedule %s: %w", ev.ID, err))
			continue
		}
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"event_id":      ev.ID.String(),
			"next_retry_at": dueAt.Format(time.RFC3339),
		}), "orphaned retry rescheduled")
		count++
	}
	return count, errs
}
