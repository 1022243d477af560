package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header sets shared by the API and HLS delivery. Media requests need
// Range allowed and the media response headers exposed, or browser
// players cannot seek.
const (
	corsMethods       = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	corsAllowHeaders  = "Accept, Authorization, Content-Type, Range, X-Request-ID"
	corsExposeHeaders = "Content-Length, Content-Range, X-Request-ID"
)

// CORSOptions controls which origins may call the server and how long
// browsers cache the preflight verdict.
type CORSOptions struct {
	// Origins lists the allowed origins. A single "*" allows any.
	Origins []string
	// MaxAge is the preflight cache lifetime.
	MaxAge time.Duration
}

// CORS returns a middleware that allows any origin. Playback is gated
// by tokens rather than by origin, so the default is permissive.
func CORS() func(http.Handler) http.Handler {
	return CORSWithOptions(CORSOptions{
		Origins: []string{"*"},
		MaxAge:  24 * time.Hour,
	})
}

// CORSWithOptions returns a CORS middleware restricted to the given
// origins. Requests from other origins pass through without CORS
// headers; the browser enforces the block.
func CORSWithOptions(opts CORSOptions) func(http.Handler) http.Handler {
	wildcard := len(opts.Origins) == 1 && opts.Origins[0] == "*"
	maxAge := strconv.Itoa(int(opts.MaxAge.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case originAllowed(opts.Origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			default:
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", corsMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
				if opts.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", maxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origins []string, origin string) bool {
	for _, o := range origins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
