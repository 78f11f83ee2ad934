package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/angelmondragon/hookrelay/internal/subscriptions"
	"github.com/angelmondragon/hookrelay/pkg/db/models"
	"github.com/angelmondragon/hookrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/hookrelay/pkg/errors"
	"github.com/angelmondragon/hookrelay/pkg/pagination"
	"github.com/google/uuid"
)

// SubscriptionReader resolves which subscriptions a caller owns.
type SubscriptionReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	ListByUser(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]models.Subscription, error)
}

// Service exposes event record creation and the query surface.
type Service interface {
	Submit(ctx context.Context, subscriptionID uuid.UUID, source string, payload json.RawMessage) (*models.WebhookEvent, error)
	List(ctx context.Context, params ListParams) (*ListResult, error)
	ListForSubscription(ctx context.Context, userID, subscriptionID uuid.UUID, params ListParams) (*ListResult, error)
	Get(ctx context.Context, userID, eventID uuid.UUID) (*models.WebhookEvent, error)
}

// ListParams configures the event listing.
type ListParams struct {
	UserID uuid.UUID
	Status string
	Source string
	Limit  int
	Cursor string
}

// ListResult wraps returned events and the cursor for the next page.
type ListResult struct {
	Items  []models.WebhookEvent `json:"items"`
	Cursor string                `json:"cursor"`
}

type service struct {
	repo Repository
	subs SubscriptionReader
}

// NewService wires event dependencies.
func NewService(repo Repository, subs SubscriptionReader) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "events repository required")
	}
	if subs == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "subscription reader required")
	}
	return &service{repo: repo, subs: subs}, nil
}

func (s *service) Submit(ctx context.Context, subscriptionID uuid.UUID, source string, payload json.RawMessage) (*models.WebhookEvent, error) {
	if subscriptionID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id required")
	}
	if strings.TrimSpace(source) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "source required")
	}
	if !json.Valid(payload) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payload must be valid json")
	}

	event := &models.WebhookEvent{
		SubscriptionID: subscriptionID,
		Source:         source,
		Payload:        payload,
		Status:         enums.EventStatusPending,
	}
	if err := s.repo.Create(ctx, event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create webhook event")
	}
	return event, nil
}

func (s *service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	subs, err := s.subs.ListByUser(ctx, params.UserID, true)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscriptions")
	}
	ids := make([]uuid.UUID, 0, len(subs))
	for _, sub := range subs {
		ids = append(ids, sub.ID)
	}
	return s.list(ctx, ids, params)
}

func (s *service) ListForSubscription(ctx context.Context, userID, subscriptionID uuid.UUID, params ListParams) (*ListResult, error) {
	if _, err := s.ownedSubscription(ctx, userID, subscriptionID); err != nil {
		return nil, err
	}
	return s.list(ctx, []uuid.UUID{subscriptionID}, params)
}

func (s *service) Get(ctx context.Context, userID, eventID uuid.UUID) (*models.WebhookEvent, error) {
	if eventID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id required")
	}
	event, err := s.repo.FindByID(ctx, eventID)
	if errors.Is(err, ErrNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "webhook event not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load webhook event")
	}
	if _, err := s.ownedSubscription(ctx, userID, event.SubscriptionID); err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "webhook event not found")
		}
		return nil, err
	}
	return event, nil
}

func (s *service) ownedSubscription(ctx context.Context, userID, subscriptionID uuid.UUID) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	sub, err := s.subs.FindByID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, subscriptions.ErrNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub.UserID != userID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

func (s *service) list(ctx context.Context, subscriptionIDs []uuid.UUID, params ListParams) (*ListResult, error) {
	query := ListQuery{
		SubscriptionIDs: subscriptionIDs,
		Source:          strings.TrimSpace(params.Source),
		Limit:           params.Limit,
	}
	if params.Status != "" {
		status, err := enums.ParseEventStatus(params.Status)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter")
		}
		query.Status = status
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	query.Cursor = cursor

	rows, err := s.repo.List(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list webhook events")
	}

	items, next := pagination.Trim(rows, params.Limit, func(e models.WebhookEvent) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	})
	if items == nil {
		items = []models.WebhookEvent{}
	}
	return &ListResult{Items: items, Cursor: next}, nil
}
