package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/angelmondragon/hookrelay/pkg/db/models"
	pkgerrors "github.com/angelmondragon/hookrelay/pkg/errors"
	"github.com/angelmondragon/hookrelay/pkg/logger"
	"github.com/google/uuid"
)

// SubscriptionLister resolves the fan-out targets for a source.
type SubscriptionLister interface {
	ListActiveBySource(ctx context.Context, source string) ([]models.Subscription, error)
}

// EventSubmitter persists one pending record per matched subscription.
type EventSubmitter interface {
	Submit(ctx context.Context, subscriptionID uuid.UUID, source string, payload json.RawMessage) (*models.WebhookEvent, error)
}

// Enqueuer hands a persisted id to the dispatch worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
}

// Waker signals idle workers after new work lands.
type Waker interface {
	Notify(ctx context.Context) error
}

// Result lists the records created for one inbound event.
type Result struct {
	Source   string      `json:"source"`
	EventIDs []uuid.UUID `json:"eventIds"`
}

type Service interface {
	Ingest(ctx context.Context, source string, payload json.RawMessage) (*Result, error)
}

type ServiceParams struct {
	Logger        *logger.Logger
	Subscriptions SubscriptionLister
	Events        EventSubmitter
	Queue         Enqueuer
	Notifier      Waker
}

type service struct {
	logg   *logger.Logger
	subs   SubscriptionLister
	events EventSubmitter
	queue  Enqueuer
	waker  Waker
}

func NewService(params ServiceParams) (Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Subscriptions == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "subscriptions repository required")
	}
	if params.Events == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "events service required")
	}
	if params.Queue == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "work queue required")
	}
	return &service{
		logg:   params.Logger,
		subs:   params.Subscriptions,
		events: params.Events,
		queue:  params.Queue,
		waker:  params.Notifier,
	}, nil
}

// Ingest fans payload out to every active subscription of source. A record
// that cannot be queued stays pending and is picked up by reconciliation, so
// queue and notify failures are logged rather than returned.
func (s *service) Ingest(ctx context.Context, source string, payload json.RawMessage) (*Result, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "source required")
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payload must be valid json")
	}
	ctx = s.logg.WithField(ctx, "source", source)

	subs, err := s.subs.ListActiveBySource(ctx, source)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve subscriptions")
	}
	result := &Result{Source: source, EventIDs: []uuid.UUID{}}
	if len(subs) == 0 {
		s.logg.Info(ctx, "no active subscriptions for source")
		return result, nil
	}

	queued := 0
	for _, sub := range subs {
		subCtx := s.logg.WithSubscriptionID(ctx, sub.ID.String())
		event, err := s.events.Submit(subCtx, sub.ID, source, payload)
		if err != nil {
			s.logg.Error(subCtx, "create webhook event", err)
			continue
		}
		result.EventIDs = append(result.EventIDs, event.ID)

		eventCtx := s.logg.WithEventID(subCtx, event.ID.String())
		if err := s.queue.Enqueue(eventCtx, event.ID); err != nil {
			s.logg.Error(eventCtx, "enqueue webhook event", err)
			continue
		}
		queued++
	}

	if queued > 0 && s.waker != nil {
		if err := s.waker.Notify(ctx); err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "wake notification failed")
		}
	}

	if len(result.EventIDs) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "no webhook events could be recorded")
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"subscriptions": len(subs),
		"recorded":      len(result.EventIDs),
		"queued":        queued,
	}), "webhook fan-out complete")
	return result, nil
}
