package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/hookrelay/api/middleware"
	"github.com/angelmondragon/hookrelay/api/validators"
	"github.com/angelmondragon/hookrelay/internal/events"
	pkgerrors "github.com/angelmondragon/hookrelay/pkg/errors"
	"github.com/angelmondragon/hookrelay/pkg/pagination"
)

func callerID(r *http.Request) (uuid.UUID, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user id")
	}
	return id, nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid "+name).
			WithDetails(map[string]any{"field": name})
	}
	return id, nil
}

func eventListParams(r *http.Request, userID uuid.UUID) (events.ListParams, error) {
	limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return events.ListParams{}, err
	}
	source, err := validators.ParseQueryString(r, "source", maxSourceLength)
	if err != nil {
		return events.ListParams{}, err
	}
	q := r.URL.Query()
	return events.ListParams{
		UserID: userID,
		Status: strings.TrimSpace(q.Get("status")),
		Source: source,
		Limit:  limit,
		Cursor: strings.TrimSpace(q.Get("cursor")),
	}, nil
}
