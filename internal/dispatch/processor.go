package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/hookrelay/internal/delivery"
	"github.com/angelmondragon/hookrelay/internal/events"
	"github.com/angelmondragon/hookrelay/internal/subscriptions"
	"github.com/angelmondragon/hookrelay/pkg/config"
	"github.com/angelmondragon/hookrelay/pkg/db/models"
	"github.com/angelmondragon/hookrelay/pkg/enums"
	"github.com/angelmondragon/hookrelay/pkg/logger"
	"github.com/angelmondragon/hookrelay/pkg/metrics"
	"github.com/google/uuid"
)

const (
	defaultFirstTimeout = 5 * time.Second
	defaultRetryTimeout = 10 * time.Second
	// persistTimeout bounds the record and schedule writes that follow an
	// attempt; they run detached from the caller so shutdown does not lose them.
	persistTimeout = 5 * time.Second

	// MsgSubscriptionInactive is recorded when the bound subscription is gone or disabled.
	MsgSubscriptionInactive = "Subscription no longer active"
	// MsgMaxRetriesExceeded is appended to the last failure once retries are exhausted.
	MsgMaxRetriesExceeded = "Max retries exceeded"
)

// Outcome is the result of processing one event id.
type Outcome string

const (
	OutcomeSuccess  Outcome = metrics.OutcomeSuccess
	OutcomeRetry    Outcome = metrics.OutcomeRetry
	OutcomeFailed   Outcome = metrics.OutcomeFailed
	OutcomeInactive Outcome = metrics.OutcomeInactive
	// OutcomeSkipped means the record was missing, already terminal, awaiting
	// its scheduled retry, or changed by someone else mid-attempt.
	OutcomeSkipped Outcome = "skipped"
)

// EventStore is the slice of the event record store the processor needs.
type EventStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)
	Transition(ctx context.Context, id uuid.UUID, t events.Transition) (bool, error)
	Claim(ctx context.Context, id uuid.UUID, status enums.EventStatus, at time.Time) (bool, error)
}

// SubscriptionStore loads the subscription an event is bound to.
type SubscriptionStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
}

// Deliverer performs one outbound attempt.
type Deliverer interface {
	Deliver(ctx context.Context, callbackURL string, env delivery.Envelope, timeout time.Duration) (delivery.Result, error)
}

// Schedule is the delay schedule surface used for retries.
type Schedule interface {
	Schedule(ctx context.Context, id uuid.UUID, dueAt time.Time) error
	Remove(ctx context.Context, id uuid.UUID) error
}

type ProcessorParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	Events        EventStore
	Subscriptions SubscriptionStore
	Deliverer     Deliverer
	Schedule      Schedule
	Metrics       *metrics.DeliveryMetrics
	Now           func() time.Time
}

// Processor runs the delivery state machine for a single event. First attempts
// and retries share it; they differ only in envelope metadata and timeout.
type Processor struct {
	logg          *logger.Logger
	events        EventStore
	subscriptions SubscriptionStore
	deliverer     Deliverer
	schedule      Schedule
	metrics       *metrics.DeliveryMetrics
	backoff       Backoff
	maxRetries    int
	firstTimeout  time.Duration
	retryTimeout  time.Duration
	now           func() time.Time
}

func NewProcessor(params ProcessorParams) (*Processor, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Events == nil {
		return nil, errors.New("event store is required")
	}
	if params.Subscriptions == nil {
		return nil, errors.New("subscription store is required")
	}
	if params.Deliverer == nil {
		return nil, errors.New("deliverer is required")
	}
	if params.Schedule == nil {
		return nil, errors.New("delay schedule is required")
	}

	maxRetries := params.Config.Retry.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	first := params.Config.Delivery.FirstAttemptTimeout
	if first <= 0 {
		first = defaultFirstTimeout
	}
	retry := params.Config.Delivery.RetryTimeout
	if retry <= 0 {
		retry = defaultRetryTimeout
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}

	return &Processor{
		logg:          params.Logger,
		events:        params.Events,
		subscriptions: params.Subscriptions,
		deliverer:     params.Deliverer,
		schedule:      params.Schedule,
		metrics:       params.Metrics,
		backoff:       BackoffFromConfig(params.Config.Retry),
		maxRetries:    maxRetries,
		firstTimeout:  first,
		retryTimeout:  retry,
		now:           now,
	}, nil
}

// Process delivers event id once and records the result. The returned error is
// an infrastructure failure (store or schedule unavailable); delivery failures
// are reported through the Outcome.
func (p *Processor) Process(ctx context.Context, id uuid.UUID, retry bool) (Outcome, error) {
	ctx = p.logg.WithEventID(ctx, id.String())
	ctx = p.logg.WithField(ctx, "retry", retry)

	event, err := p.events.FindByID(ctx, id)
	if errors.Is(err, events.ErrNotFound) {
		p.logg.Warn(ctx, "event record missing, dropping")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("load event %s: %w", id, err)
	}
	if event.Status.IsTerminal() {
		p.logg.Warn(p.logg.WithField(ctx, "status", event.Status), "event already resolved, dropping")
		if err := p.schedule.Remove(ctx, id); err != nil {
			p.logg.Error(ctx, "remove resolved event from schedule", err)
		}
		return OutcomeSkipped, nil
	}
	if !retry && event.Status == enums.EventStatusRetrying {
		// A queued copy of a record that already owns a schedule entry.
		p.logg.Warn(p.logg.WithField(ctx, "status", event.Status), "event awaiting scheduled retry, dropping queued copy")
		return OutcomeSkipped, nil
	}
	ctx = p.logg.WithSubscriptionID(ctx, event.SubscriptionID.String())

	sub, err := p.subscriptions.FindByID(ctx, event.SubscriptionID)
	if err != nil && !errors.Is(err, subscriptions.ErrNotFound) {
		return "", fmt.Errorf("load subscription %s: %w", event.SubscriptionID, err)
	}
	if sub == nil || !sub.Active {
		wctx, cancel := p.persistContext(ctx)
		defer cancel()
		return p.finishInactive(wctx, event)
	}

	claimed, err := p.events.Claim(ctx, event.ID, event.Status, p.now().UTC())
	if err != nil {
		return "", fmt.Errorf("claim event %s: %w", event.ID, err)
	}
	if !claimed {
		p.logg.Warn(ctx, "event changed before delivery, dropping")
		return OutcomeSkipped, nil
	}

	env := delivery.Envelope{
		Source:    event.Source,
		Payload:   event.Payload,
		Timestamp: p.now().UTC(),
		EventID:   event.ID,
	}
	timeout := p.firstTimeout
	if retry {
		env.Retry = true
		env.RetryCount = event.RetryCount
		timeout = p.retryTimeout
	}

	result, deliverErr := p.deliverer.Deliver(ctx, sub.CallbackURL, env, timeout)

	wctx, cancel := p.persistContext(ctx)
	defer cancel()
	if deliverErr == nil {
		return p.finishSuccess(wctx, event, result, retry)
	}
	return p.finishFailure(wctx, event, result, deliverErr, retry)
}

// persistContext keeps ctx's values but not its cancellation.
func (p *Processor) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func (p *Processor) discarded(ctx context.Context) (Outcome, error) {
	p.logg.Warn(ctx, "event resolved elsewhere during attempt, result discarded")
	return OutcomeSkipped, nil
}

func (p *Processor) finishInactive(ctx context.Context, event *models.WebhookEvent) (Outcome, error) {
	now := p.now().UTC()
	msg := MsgSubscriptionInactive
	changed, err := p.events.Transition(ctx, event.ID, events.Transition{
		Status:       enums.EventStatusFailed,
		StatusCode:   event.StatusCode,
		ErrorMessage: &msg,
		RetryCount:   event.RetryCount,
		ProcessedAt:  &now,
	})
	if err != nil {
		return "", fmt.Errorf("finalize inactive %s: %w", event.ID, err)
	}
	if !changed {
		return p.discarded(ctx)
	}
	if err := p.schedule.Remove(ctx, event.ID); err != nil {
		p.logg.Error(ctx, "remove inactive event from schedule", err)
	}
	p.metrics.ObserveAttempt(metrics.OutcomeInactive, false, 0)
	p.logg.Warn(p.logg.WithField(ctx, "status", enums.EventStatusFailed), "subscription inactive, event failed")
	return OutcomeInactive, nil
}

func (p *Processor) finishSuccess(ctx context.Context, event *models.WebhookEvent, result delivery.Result, retry bool) (Outcome, error) {
	now := p.now().UTC()
	changed, err := p.events.Transition(ctx, event.ID, events.Transition{
		Status:      enums.EventStatusSuccess,
		StatusCode:  result.StatusCode,
		RetryCount:  event.RetryCount,
		ProcessedAt: &now,
	})
	if err != nil {
		return "", fmt.Errorf("finalize success %s: %w", event.ID, err)
	}
	if !changed {
		return p.discarded(ctx)
	}
	if err := p.schedule.Remove(ctx, event.ID); err != nil {
		p.logg.Error(ctx, "remove delivered event from schedule", err)
	}
	p.metrics.ObserveAttempt(metrics.OutcomeSuccess, retry, result.Duration)
	p.logg.Info(p.logg.WithFields(ctx, map[string]any{
		"status":      enums.EventStatusSuccess,
		"status_code": derefInt(result.StatusCode),
		"retry_count": event.RetryCount,
	}), "webhook delivered")
	return OutcomeSuccess, nil
}

func (p *Processor) finishFailure(ctx context.Context, event *models.WebhookEvent, result delivery.Result, deliverErr error, retry bool) (Outcome, error) {
	now := p.now().UTC()
	msg := deliverErr.Error()
	statusCode := result.StatusCode
	var derr *delivery.Error
	if errors.As(deliverErr, &derr) && derr.StatusCode != nil {
		statusCode = derr.StatusCode
	}

	retryCount := event.RetryCount + 1
	fields := map[string]any{
		"retry_count": retryCount,
		"status_code": derefInt(statusCode),
		"error":       msg,
	}

	if retryCount >= p.maxRetries {
		msg = msg + " | " + MsgMaxRetriesExceeded
		changed, err := p.events.Transition(ctx, event.ID, events.Transition{
			Status:       enums.EventStatusFailed,
			StatusCode:   statusCode,
			ErrorMessage: &msg,
			RetryCount:   retryCount,
			ProcessedAt:  &now,
		})
		if err != nil {
			return "", fmt.Errorf("finalize failure %s: %w", event.ID, err)
		}
		if !changed {
			return p.discarded(ctx)
		}
		if err := p.schedule.Remove(ctx, event.ID); err != nil {
			p.logg.Error(ctx, "remove exhausted event from schedule", err)
		}
		p.metrics.ObserveAttempt(metrics.OutcomeFailed, retry, result.Duration)
		fields["status"] = enums.EventStatusFailed
		p.logg.Warn(p.logg.WithFields(ctx, fields), "webhook delivery abandoned")
		return OutcomeFailed, nil
	}

	next := now.Add(p.backoff.Delay(event.RetryCount))
	changed, err := p.events.Transition(ctx, event.ID, events.Transition{
		Status:       enums.EventStatusRetrying,
		StatusCode:   statusCode,
		ErrorMessage: &msg,
		RetryCount:   retryCount,
		NextRetryAt:  &next,
	})
	if err != nil {
		return "", fmt.Errorf("record failure %s: %w", event.ID, err)
	}
	if !changed {
		return p.discarded(ctx)
	}
	if err := p.schedule.Schedule(ctx, event.ID, next); err != nil {
		return "", fmt.Errorf("schedule retry %s: %w", event.ID, err)
	}
	p.metrics.ObserveAttempt(metrics.OutcomeRetry, retry, result.Duration)
	fields["status"] = enums.EventStatusRetrying
	fields["next_retry_at"] = next.Format(time.RFC3339)
	p.logg.Warn(p.logg.WithFields(ctx, fields), "webhook delivery failed, retry scheduled")
	return OutcomeRetry, nil
}

func derefInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
