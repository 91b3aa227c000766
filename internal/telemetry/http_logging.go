package telemetry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/deliveryopt/internal/logctx"
)

// HTTPLogging logs every API call once it is answered: 5xx at error, 4xx at
// warn, everything else at info. Calls addressed to a download also carry
// its download_id, and actions carry the action name.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logctx.LoggerFromContext(ctx)
		start := time.Now()

		wrapped := wrapResponseWriter(w)

		next.ServeHTTP(wrapped, r)

		status := wrapped.status

		attrs := []any{
			"method", r.Method,
			"route", routePattern(r),
			"status", status,
			"bytes", wrapped.bytesWritten,
			"duration_ms", time.Since(start).Milliseconds(),
		}

		// URL params are only known once the router has matched.
		if rctx := chi.RouteContext(ctx); rctx != nil {
			if id := rctx.URLParam("id"); id != "" {
				attrs = append(attrs, "download_id", id)
			}

			if action := rctx.URLParam("action"); action != "" {
				attrs = append(attrs, "action", action)
			}
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.ErrorContext(ctx, "api call completed", attrs...)
		case status >= http.StatusBadRequest:
			logger.WarnContext(ctx, "api call completed", attrs...)
		default:
			logger.InfoContext(ctx, "api call completed", attrs...)
		}
	})
}
