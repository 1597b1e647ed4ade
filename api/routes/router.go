package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rbrinkke/notifications-service/api/controllers"
	"github.com/rbrinkke/notifications-service/api/middleware"
	"github.com/rbrinkke/notifications-service/pkg/db"
	"github.com/rbrinkke/notifications-service/pkg/logger"
)

// NewRouter wires the health and metrics surface the worker exposes.
func NewRouter(
	logg *logger.Logger,
	dbP db.Pinger,
	listener controllers.ListenerState,
	gatherer prometheus.Gatherer,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	health := controllers.Health(logg, dbP, listener)
	r.Get("/health", health)
	r.Get("/healthz", health)
	r.Get("/readyz", health)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}
