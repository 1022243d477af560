package middleware

import (
	"net/http"
	"strings"
)

// CompressExcept applies compress to every request whose URL path does not
// start with prefix. MPEG-TS segments are already-encoded video, so
// recompressing the HLS tree wastes CPU and adds buffering latency that
// players notice.
func CompressExcept(prefix string, compress func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compress(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
}
