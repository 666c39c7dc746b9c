package middleware

import (
	"net/http"
	"strings"
)

type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
}

// CORS answers preflight requests and decorates responses for browser
// clients. A "*" entry allows any origin; otherwise the request origin is
// echoed back only when listed.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "OPTIONS"}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type", "Authorization", "X-PAYMENT", "X-Request-ID"}
	}
	exposed := cfg.ExposedHeaders
	if len(exposed) == 0 {
		exposed = []string{"X-PAYMENT-RESPONSE", "X-Request-ID"}
	}
	allowCredentials := "false"
	if cfg.AllowCredentials {
		allowCredentials = "true"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := allowedOrigin(origins, r.Header.Get("Origin")); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if origin != "*" {
					w.Header().Add("Vary", "Origin")
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
			w.Header().Set("Access-Control-Expose-Headers", strings.Join(exposed, ", "))
			w.Header().Set("Access-Control-Allow-Credentials", allowCredentials)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allowedOrigin(allowed []string, origin string) string {
	for _, candidate := range allowed {
		if candidate == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(candidate, origin) {
			return origin
		}
	}
	return ""
}
