package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/hookrelay/api/validators"
	"github.com/angelmondragon/hookrelay/pkg/logger"
)

const (
	requestIDHeader = "X-Request-Id"
	maxRequestIDLen = 128
)

// RequestID propagates the caller's X-Request-Id or mints one. Producers
// often send their own id, so it is kept when it is printable and short.
func RequestID(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(requestIDHeader)
			reqID := validators.SanitizeString(raw, 0)
			if reqID == "" || reqID != raw || len(reqID) > maxRequestIDLen {
				reqID = uuid.NewString()
			}

			r.Header.Set(requestIDHeader, reqID)
			w.Header().Set(requestIDHeader, reqID)

			ctx := r.Context()
			if logg != nil {
				ctx = logg.WithRequestID(ctx, reqID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
