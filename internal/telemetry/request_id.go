package telemetry

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/italolelis/deliveryopt/internal/logctx"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"

	RequestIDHeader = "X-Request-ID"
	// CorrelationVectorHeader carries a delivery correlation vector, both on
	// calls into the agent and on the transfers it makes.
	CorrelationVectorHeader = "MS-CV"
)

// RequestID tags each API call with an id, reusing an upstream X-Request-ID
// when present, and echoes it back. A caller's MS-CV header is attached to
// the context logger as correlation_vector.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, requestID)

		logger := logctx.LoggerFromContext(r.Context()).With("request_id", requestID)
		if cv := r.Header.Get(CorrelationVectorHeader); cv != "" {
			logger = logger.With("correlation_vector", cv)
		}

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		ctx = logctx.WithLogger(ctx, logger)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)

	return id
}
