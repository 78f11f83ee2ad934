package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/hookrelay/api/responses"
	"github.com/angelmondragon/hookrelay/pkg/config"
	pkgerrors "github.com/angelmondragon/hookrelay/pkg/errors"
	"github.com/angelmondragon/hookrelay/pkg/logger"
	"github.com/angelmondragon/hookrelay/pkg/metrics"
)

const readyTimeout = 2 * time.Second

// Pinger is satisfied by the db and redis clients.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BacklogCounter reports how many ids a Redis structure currently holds.
type BacklogCounter interface {
	Len(ctx context.Context) (int64, error)
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Hookrelay-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady reports ready only when Postgres and Redis both answer a ping.
func HealthReady(cfg *config.Config, logg *logger.Logger, dbP, redisP Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Hookrelay-Env", cfg.App.Env)
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		checks := map[string]Pinger{"database": dbP, "redis": redisP}
		for name, p := range checks {
			if p == nil {
				continue
			}
			if err := p.Ping(ctx); err != nil {
				responses.WriteError(r.Context(), logg, w,
					pkgerrors.Wrap(pkgerrors.CodeDependency, err, name+" unavailable").
						WithDetails(map[string]any{"dependency": name}))
				return
			}
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}

// HealthDebug exposes the current queue depth and number of scheduled
// retries, refreshing the backlog gauges as a side effect.
func HealthDebug(logg *logger.Logger, queue, schedule BacklogCounter, deliveryMetrics *metrics.DeliveryMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if queue == nil || schedule == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "backlog unavailable"))
			return
		}
		depth, err := queue.Len(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read queue depth"))
			return
		}
		scheduled, err := schedule.Len(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read retry schedule"))
			return
		}
		deliveryMetrics.SetBacklog(depth, scheduled)
		responses.WriteSuccess(w, map[string]int64{
			"queueDepth":     depth,
			"retryScheduled": scheduled,
		})
	}
}
