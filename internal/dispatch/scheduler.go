package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/hookrelay/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

type eventProcessor interface {
	Process(ctx context.Context, id uuid.UUID, retry bool) (Outcome, error)
}

type dueSchedule interface {
	Due(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	Schedule(ctx context.Context, id uuid.UUID, dueAt time.Time) error
	Remove(ctx context.Context, id uuid.UUID) error
}

// RetryScheduler moves due entries from the delay schedule back through the processor.
type RetryScheduler struct {
	schedule  dueSchedule
	processor eventProcessor
	logg      *logger.Logger
	now       func() time.Time
}

func NewRetryScheduler(schedule dueSchedule, processor eventProcessor, logg *logger.Logger, now func() time.Time) (*RetryScheduler, error) {
	if schedule == nil {
		return nil, errors.New("delay schedule is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	if now == nil {
		now = time.Now
	}
	return &RetryScheduler{schedule: schedule, processor: processor, logg: logg, now: now}, nil
}

// Sweep retries every entry due at the current time. Each entry is removed
// before it is processed; an entry that cannot be removed is left for the
// next sweep. When processing hits an infrastructure failure the entry is put
// back as due now and the sweep stops. A crash between removal and completion
// leaves the record in retrying, which the reconcile job re-schedules.
func (s *RetryScheduler) Sweep(ctx context.Context) (int, error) {
	due, err := s.schedule.Due(ctx, s.now())
	if err != nil && len(due) == 0 {
		return 0, fmt.Errorf("read due retries: %w", err)
	}
	var errs error
	if err != nil {
		errs = multierr.Append(errs, err)
	}

	processed := 0
	for _, id := range due {
		if ctx.Err() != nil {
			return processed, multierr.Append(errs, ctx.Err())
		}
		if err := s.schedule.Remove(ctx, id); err != nil {
			s.logg.Error(s.logg.WithEventID(ctx, id.String()), "remove due retry", err)
			errs = multierr.Append(errs, err)
			continue
		}
		if _, err := s.processor.Process(ctx, id, true); err != nil {
			idCtx := s.logg.WithEventID(ctx, id.String())
			s.logg.Error(idCtx, "retry processing failed, returning id to schedule", err)
			errs = multierr.Append(errs, err)
			s.restore(idCtx, id)
			break
		}
		processed++
	}
	if len(due) > 0 {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"due":       len(due),
			"processed": processed,
		}), "retry sweep finished")
	}
	return processed, errs
}

func (s *RetryScheduler) restore(ctx context.Context, id uuid.UUID) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.schedule.Schedule(rctx, id, s.now()); err != nil {
		s.logg.Error(ctx, "restore retry failed, left for reconcile", err)
	}
}
