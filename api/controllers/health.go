package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/rbrinkke/notifications-service/api/responses"
	"github.com/rbrinkke/notifications-service/pkg/db"
	"github.com/rbrinkke/notifications-service/pkg/logger"
)

const healthPingTimeout = 2 * time.Second

// ListenerState reports whether the NOTIFY session is alive.
type ListenerState interface {
	Healthy() bool
}

// Health returns 200 when the database pool can acquire a connection and
// the listener is not in a crashed state, 503 otherwise.
func Health(logg *logger.Logger, dbP db.Pinger, listener ListenerState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()

		if err := dbP.Ping(ctx); err != nil {
			logg.Error(ctx, "health check: database unreachable", err)
			responses.WriteStatus(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		if listener != nil && !listener.Healthy() {
			logg.Warn(ctx, "health check: listener down")
			responses.WriteStatus(w, http.StatusServiceUnavailable, "listener down")
			return
		}
		responses.WriteStatus(w, http.StatusOK, "ok")
	}
}
