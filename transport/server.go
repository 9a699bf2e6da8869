package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handler serves one inbound HTTP request and writes the status/body back.
// NewRouter takes one for POST /message, which decodes the envelope itself,
// and one for GET /health.
type Handler func(w http.ResponseWriter, r *http.Request)

// NewRouter builds the chi router every node serves its message endpoint
// and health check from: request logging and panic recovery from chi's
// standard middleware stack, plus a semaphore-based concurrency limiter
// bounding in-flight requests.
func NewRouter(messageHandler, healthHandler Handler, maxInFlight int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(concurrencyLimiter(maxInFlight))

	r.Post("/message", http.HandlerFunc(messageHandler))
	r.Get("/health", http.HandlerFunc(healthHandler))
	return r
}

// concurrencyLimiter bounds the number of requests a node processes at
// once, so a burst of incoming broadcasts cannot unboundedly grow the
// node's goroutine count. Requests beyond the bound receive 503 rather than
// queuing indefinitely.
func concurrencyLimiter(max int) func(http.Handler) http.Handler {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				next.ServeHTTP(w, r)
			default:
				http.Error(w, "node at capacity", http.StatusServiceUnavailable)
			}
		})
	}
}
