package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/hookrelay/api/responses"
	"github.com/angelmondragon/hookrelay/api/validators"
	"github.com/angelmondragon/hookrelay/internal/ingest"
	"github.com/angelmondragon/hookrelay/pkg/config"
	pkgerrors "github.com/angelmondragon/hookrelay/pkg/errors"
	"github.com/angelmondragon/hookrelay/pkg/logger"
)

const (
	maxSourceLength       = 128
	defaultFanoutTimeout  = 30 * time.Second
	defaultMaxPayloadSize = 1 << 20
)

// IncomingWebhook accepts a producer payload for {source}. The producer gets
// 202 as soon as the body is validated; fan-out continues on a context that
// outlives the request.
func IncomingWebhook(svc ingest.Service, cfg config.DeliveryConfig, logg *logger.Logger) http.HandlerFunc {
	limit := cfg.MaxPayloadBytes
	if limit <= 0 {
		limit = defaultMaxPayloadSize
	}
	timeout := cfg.FanoutTimeout
	if timeout <= 0 {
		timeout = defaultFanoutTimeout
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ingest service unavailable"))
			return
		}

		source := validators.SanitizeString(chi.URLParam(r, "source"), maxSourceLength)
		if source == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Source is required"))
			return
		}

		payload, err := validators.ReadJSONPayload(w, r, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteAccepted(w, map[string]string{
			"message": "Webhook received and being processed",
			"source":  source,
		})

		fanoutCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
		go func() {
			defer cancel()
			if _, err := svc.Ingest(fanoutCtx, source, payload); err != nil && logg != nil {
				logg.Error(fanoutCtx, "webhook fan-out failed", err)
			}
		}()
	}
}
