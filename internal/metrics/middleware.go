package metrics

import (
	"net/http"
	"slices"
	"strconv"
	"time"
)

// statusRecorder remembers the status code a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware serves next under endpoint, counting responses by status code
// and observing how long each took. Handlers that read device state through
// the driver show up in the duration histogram. When methods is not empty,
// other methods are answered with 405 before next runs and are counted too.
func Middleware(next http.Handler, endpoint string, methods ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if len(methods) > 0 && !slices.Contains(methods, r.Method) {
			rec.Header().Set("Allow", methods[0])
			for _, m := range methods[1:] {
				rec.Header().Add("Allow", m)
			}
			http.Error(rec, "method not allowed", http.StatusMethodNotAllowed)
		} else {
			next.ServeHTTP(rec, r)
		}
		EndpointResponses.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
		EndpointDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}
