package middleware

import (
	"net/http"
	"strings"
)

// Origins is a set of origins allowed to read the API from a browser.
type Origins struct {
	any bool
	set map[string]bool
}

// ParseOrigins splits a comma-separated origins string. "*" allows every
// origin; an empty string allows none.
func ParseOrigins(raw string) Origins {
	o := Origins{set: make(map[string]bool)}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		switch p {
		case "":
		case "*":
			o.any = true
		default:
			o.set[p] = true
		}
	}
	return o
}

// Empty reports whether no origin is allowed.
func (o Origins) Empty() bool {
	return !o.any && len(o.set) == 0
}

// Allowed reports whether origin may use the API.
func (o Origins) Allowed(origin string) bool {
	return origin != "" && (o.any || o.set[origin])
}

// CORS returns middleware that sets Cross-Origin Resource Sharing headers
// for allowed origins. The API is read-only, so only GET is advertised.
// Preflight requests are answered with 204 without reaching next.
func CORS(origins Origins) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origins.Allowed(origin) {
				h := w.Header()
				if origins.any {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Vary", "Origin")
				}
				h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Accept, Content-Type")
				h.Set("Access-Control-Max-Age", "300")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
