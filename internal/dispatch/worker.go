package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/hookrelay/internal/queue"
	"github.com/angelmondragon/hookrelay/pkg/config"
	"github.com/angelmondragon/hookrelay/pkg/logger"
	"github.com/angelmondragon/hookrelay/pkg/metrics"
	"github.com/google/uuid"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultSweepInterval = time.Minute
)

// WorkSource is the FIFO of ids awaiting a first attempt.
type WorkSource interface {
	Dequeue(ctx context.Context) (uuid.UUID, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	Len(ctx context.Context) (int64, error)
}

type scheduleSizer interface {
	Len(ctx context.Context) (int64, error)
}

type WorkerParams struct {
	Config    *config.Config
	Logger    *logger.Logger
	Queue     WorkSource
	Schedule  scheduleSizer
	Processor eventProcessor
	Scheduler *RetryScheduler
	Metrics   *metrics.DeliveryMetrics
}

// Worker is the single consumer of the work queue and delay schedule. One
// goroutine runs the loop; a capacity-1 semaphore keeps Drain and Sweep from
// overlapping when called from outside it.
type Worker struct {
	logg          *logger.Logger
	queue         WorkSource
	schedule      scheduleSizer
	processor     eventProcessor
	scheduler     *RetryScheduler
	metrics       *metrics.DeliveryMetrics
	pollInterval  time.Duration
	sweepInterval time.Duration

	busy chan struct{}
	wake chan struct{}
}

func NewWorker(params WorkerParams) (*Worker, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Queue == nil {
		return nil, errors.New("work queue is required")
	}
	if params.Processor == nil {
		return nil, errors.New("processor is required")
	}
	if params.Scheduler == nil {
		return nil, errors.New("retry scheduler is required")
	}

	poll := params.Config.Worker.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	sweep := params.Config.Retry.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}

	return &Worker{
		logg:          params.Logger,
		queue:         params.Queue,
		schedule:      params.Schedule,
		processor:     params.Processor,
		scheduler:     params.Scheduler,
		metrics:       params.Metrics,
		pollInterval:  poll,
		sweepInterval: sweep,
		busy:          make(chan struct{}, 1),
		wake:          make(chan struct{}, 1),
	}, nil
}

// Wake asks the loop to drain the queue. Redundant wakes collapse into one.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drives the worker until ctx is cancelled. The queue is drained once at
// start, then on every wake and poll tick; due retries are swept on their own
// interval.
func (w *Worker) Run(ctx context.Context) error {
	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(w.sweepInterval)
	defer sweep.Stop()

	w.logg.Info(w.logg.WithFields(ctx, map[string]any{
		"poll_interval":  w.pollInterval.String(),
		"sweep_interval": w.sweepInterval.String(),
	}), "dispatch worker started")

	w.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logg.Info(ctx, "dispatch worker stopping")
			return ctx.Err()
		case <-w.wake:
			w.Drain(ctx)
		case <-poll.C:
			w.Drain(ctx)
		case <-sweep.C:
			w.Sweep(ctx)
		}
	}
}

// Drain delivers queued ids one at a time until the queue is empty. An
// infrastructure failure puts the id back at the head and ends the drain; the
// next wake or poll tick retries it. It returns false without doing anything
// when another drain or sweep holds the worker.
func (w *Worker) Drain(ctx context.Context) (int, bool) {
	if !w.tryAcquire() {
		return 0, false
	}
	defer w.release()
	defer w.refreshBacklog(ctx)

	processed := 0
	for ctx.Err() == nil {
		id, err := w.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			break
		}
		if err != nil {
			w.logg.Error(ctx, "work queue pop failed", err)
			break
		}
		if _, err := w.processor.Process(ctx, id, false); err != nil {
			idCtx := w.logg.WithEventID(ctx, id.String())
			w.logg.Error(idCtx, "delivery processing failed, returning id to queue", err)
			w.requeue(idCtx, id)
			break
		}
		processed++
	}
	return processed, true
}

func (w *Worker) requeue(ctx context.Context, id uuid.UUID) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := w.queue.Requeue(rctx, id); err != nil {
		w.logg.Error(ctx, "requeue failed, left for reconcile", err)
	}
}

// Sweep runs one retry sweep under the same exclusion as Drain.
func (w *Worker) Sweep(ctx context.Context) (int, bool) {
	if !w.tryAcquire() {
		return 0, false
	}
	defer w.release()
	defer w.refreshBacklog(ctx)

	processed, err := w.scheduler.Sweep(ctx)
	if err != nil {
		w.logg.Error(ctx, "retry sweep incomplete", err)
	}
	return processed, true
}

func (w *Worker) tryAcquire() bool {
	select {
	case w.busy <- struct{}{}:
		return true
	default:
		return false
	}
}

func (w *Worker) release() {
	<-w.busy
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	if w.metrics == nil || w.schedule == nil || ctx.Err() != nil {
		return
	}
	depth, err := w.queue.Len(ctx)
	if err != nil {
		return
	}
	scheduled, err := w.schedule.Len(ctx)
	if err != nil {
		return
	}
	w.metrics.SetBacklog(depth, scheduled)
}
