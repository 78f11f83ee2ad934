package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/hookrelay/api/controllers"
	"github.com/angelmondragon/hookrelay/api/middleware"
	"github.com/angelmondragon/hookrelay/internal/events"
	"github.com/angelmondragon/hookrelay/internal/ingest"
	"github.com/angelmondragon/hookrelay/internal/subscriptions"
	"github.com/angelmondragon/hookrelay/pkg/config"
	"github.com/angelmondragon/hookrelay/pkg/logger"
	"github.com/angelmondragon/hookrelay/pkg/metrics"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisP controllers.Pinger,
	queue controllers.BacklogCounter,
	schedule controllers.BacklogCounter,
	gatherer prometheus.Gatherer,
	deliveryMetrics *metrics.DeliveryMetrics,
	ingestService ingest.Service,
	subscriptionsService subscriptions.Service,
	eventsService events.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisP))
		r.Get("/debug", controllers.HealthDebug(logg, queue, schedule, deliveryMetrics))
	})

	if gatherer != nil {
		r.Handle("/metrics", metrics.Handler(gatherer))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/incoming/{source}", controllers.IncomingWebhook(ingestService, cfg.Delivery, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))

			r.Post("/subscribe", controllers.Subscribe(subscriptionsService, logg))
			r.Delete("/unsubscribe/{subscriptionId}", controllers.Unsubscribe(subscriptionsService, logg))
			r.Route("/subscriptions", func(r chi.Router) {
				r.Get("/", controllers.ListSubscriptions(subscriptionsService, logg))
				r.Get("/{subscriptionId}", controllers.GetSubscription(subscriptionsService, logg))
				r.Delete("/{subscriptionId}", controllers.DeleteSubscription(subscriptionsService, logg))
				r.Get("/{subscriptionId}/events", controllers.ListSubscriptionEvents(eventsService, logg))
			})
			r.Route("/events", func(r chi.Router) {
				r.Get("/", controllers.ListEvents(eventsService, logg))
				r.Get("/{eventId}", controllers.GetEvent(eventsService, logg))
			})
		})
	})

	return r
}
