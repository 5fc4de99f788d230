package httpmw

import "net/http"

// MaxBody caps the request body. Reads past the limit fail with
// *http.MaxBytesError; handlers map that to 413. Requests that declare a
// Content-Length over the limit are rejected before the handler runs.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
