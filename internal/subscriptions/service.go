package subscriptions

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/angelmondragon/hookrelay/pkg/db"
	"github.com/angelmondragon/hookrelay/pkg/db/models"
	pkgerrors "github.com/angelmondragon/hookrelay/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TxRunner runs fn inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service manages callback subscriptions for a principal.
type Service interface {
	Subscribe(ctx context.Context, input SubscribeInput) (*SubscribeResult, error)
	List(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error)
	Get(ctx context.Context, userID, id uuid.UUID) (*models.Subscription, error)
	Deactivate(ctx context.Context, userID, id uuid.UUID) error
	Delete(ctx context.Context, userID, id uuid.UUID) error
}

// SubscribeInput captures a new registration request.
type SubscribeInput struct {
	UserID      uuid.UUID
	Source      string
	CallbackURL string
}

// SubscribeResult reports the stored subscription and whether a dormant one was revived.
type SubscribeResult struct {
	Subscription models.Subscription `json:"subscription"`
	Reactivated  bool                `json:"reactivated"`
}

type service struct {
	repo Repository
	tx   TxRunner
}

// NewService wires subscription dependencies.
func NewService(repo Repository, tx TxRunner) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "subscriptions repository required")
	}
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction runner required")
	}
	return &service{repo: repo, tx: tx}, nil
}

func (s *service) Subscribe(ctx context.Context, input SubscribeInput) (*SubscribeResult, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	source := strings.TrimSpace(input.Source)
	if source == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "source required")
	}
	callback := strings.TrimSpace(input.CallbackURL)
	if err := validateCallbackURL(callback); err != nil {
		return nil, err
	}

	var result SubscribeResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		existing, err := repo.FindByKey(ctx, input.UserID, source, callback)
		switch {
		case errors.Is(err, ErrNotFound):
			sub := &models.Subscription{
				UserID:      input.UserID,
				Source:      source,
				CallbackURL: callback,
				Active:      true,
			}
			if err := repo.Create(ctx, sub); err != nil {
				if db.IsUniqueViolation(err, "") {
					return pkgerrors.New(pkgerrors.CodeConflict, "Subscription already exists")
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create subscription")
			}
			result.Subscription = *sub
			return nil
		case err != nil:
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription")
		case existing.Active:
			return pkgerrors.New(pkgerrors.CodeConflict, "Subscription already exists")
		}

		if _, err := repo.SetActive(ctx, input.UserID, existing.ID, true); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reactivate subscription")
		}
		existing.Active = true
		result.Subscription = *existing
		result.Reactivated = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	subs, err := s.repo.ListByUser(ctx, userID, true)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscriptions")
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	return subs, nil
}

func (s *service) Get(ctx context.Context, userID, id uuid.UUID) (*models.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub.UserID != userID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

func (s *service) Deactivate(ctx context.Context, userID, id uuid.UUID) error {
	if userID == uuid.Nil || id == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id and subscription id required")
	}
	found, err := s.repo.SetActive(ctx, userID, id, false)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "deactivate subscription")
	}
	if !found {
		return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return nil
}

func (s *service) Delete(ctx context.Context, userID, id uuid.UUID) error {
	if userID == uuid.Nil || id == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id and subscription id required")
	}
	found, err := s.repo.Delete(ctx, userID, id)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete subscription")
	}
	if !found {
		return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return nil
}

func validateCallbackURL(raw string) error {
	if raw == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "callback url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid callback url")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "callback url must be an absolute http(s) url").
			WithDetails(map[string]any{"callbackUrl": raw})
	}
	return nil
}
