package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/tenantdb/idgen"
	"github.com/hazyhaar/tenantdb/kit"
)

type loggerKey struct{}

// RequestID tags each request with an ID (kept from X-Request-ID when the
// caller sent one), the "http" transport and a per-request logger. The ID is
// echoed in the response and flows into audit entries through kit.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = idgen.New()
		}
		w.Header().Set("X-Request-ID", id)

		ctx := kit.WithRequestID(r.Context(), id)
		ctx = kit.WithTransport(ctx, "http")

		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", ExtractIP(r),
		)
		ctx = context.WithValue(ctx, loggerKey{}, logger)
		logger.Debug("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetLogger returns the per-request logger, or slog.Default().
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
