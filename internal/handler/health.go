package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marzops/rotator/internal/config"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports ok while the database answers.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			log.Error().Err(err).Msg("health check: database unreachable")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":    "degraded",
				"timestamp": time.Now().UnixMilli(),
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	}
}
