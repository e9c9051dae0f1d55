package shield

import "net/http"

// HeaderConfig lists the headers set on every response.
type HeaderConfig struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	CacheControl        string
	ReferrerPolicy      string
}

// APIHeaders is the configuration for a JSON-only API: nothing is framed,
// sniffed or cached.
func APIHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		CacheControl:        "no-store",
		ReferrerPolicy:      "no-referrer",
	}
}

// Headers sets the non-empty fields of cfg on every response.
func Headers(cfg HeaderConfig) func(http.Handler) http.Handler {
	set := map[string]string{
		"Content-Security-Policy": cfg.CSP,
		"X-Frame-Options":         cfg.XFrameOptions,
		"X-Content-Type-Options":  cfg.XContentTypeOptions,
		"Cache-Control":           cfg.CacheControl,
		"Referrer-Policy":         cfg.ReferrerPolicy,
	}
	for k, v := range set {
		if v == "" {
			delete(set, k)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range set {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBody limits every request body to maxBytes. Reads past the limit fail
// and the server answers 413 if the handler surfaces the error.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
