// Package shield provides the HTTP middleware in front of the tenant admin
// API: response headers, body limits, request IDs, a persistent write freeze
// and per-IP rate limiting.
//
// Usage:
//
//	stack, freeze, rl := shield.AdminStack(ctrlDB)
//	freeze.StartReloader(done)
//	rl.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"database/sql"
	"encoding/json"
	"net/http"
)

// DefaultMaxBody caps request bodies on the admin API.
const DefaultMaxBody = 64 * 1024

// AdminStack returns the middleware for the admin API, ordered:
// RequestID → Headers → MaxBody → Freeze → RateLimiter.
// /healthz bypasses the freeze and the limiter; /login and /admin/freeze
// bypass the freeze so an admin can always lift it.
func AdminStack(db *sql.DB) ([]func(http.Handler) http.Handler, *Freeze, *RateLimiter) {
	fz := NewFreeze(db, "/healthz", "/login", "/admin/freeze")
	rl := NewRateLimiter(db, "/healthz")
	return []func(http.Handler) http.Handler{
		RequestID,
		Headers(APIHeaders()),
		MaxBody(DefaultMaxBody),
		fz.Middleware,
		rl.Middleware,
	}, fz, rl
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
