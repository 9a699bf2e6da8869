// Package metrics exposes each node's Prometheus counters/histograms over
// its own HTTP listener, following the same metrics.New(name, addr)
// convention the ambient stack's HTTP server wiring expects.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics in Prometheus text format on its own listener,
// independent of the node's main message-handling endpoint.
type Server struct {
	srv *http.Server
}

// New creates a metrics Server bound to addr. If addr is empty, the server
// is a no-op: ListenAndServe returns immediately and Shutdown is a no-op,
// matching the ambient convention that an empty metrics address disables
// the metrics server entirely.
func New(namespace, addr string) (*Server, error) {
	if addr == "" {
		return &Server{}, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}, nil
}

// ListenAndServe blocks serving /metrics until Shutdown is called.
func (s *Server) ListenAndServe() error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Collectors is the set of counters/histograms a formix node registers on
// construction. node.Runtime owns one instance and its message handler
// increments MessagesReceived; the coordinator and contributor roles do not
// see it, so SharesAccepted, SharesRejected, ComputationsDone and
// RevealLatencySecs are registered but never updated.
type Collectors struct {
	MessagesReceived    *prometheus.CounterVec
	SharesAccepted      prometheus.Counter
	SharesRejected      *prometheus.CounterVec
	ComputationsDone    *prometheus.CounterVec
	RevealLatencySecs   prometheus.Histogram
}

// NewCollectors registers and returns a node's metric collectors under the
// given namespace (typically "formix") and node id label. Collectors already
// registered for the same node id (a node re-created in the same process)
// are reused instead of being registered twice.
func NewCollectors(namespace, nodeID string) *Collectors {
	constLabels := prometheus.Labels{"node_id": nodeID}
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return are.ExistingCollector
			}
			panic(err)
		}
		return c
	}
	return &Collectors{
		MessagesReceived: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "messages_received_total",
			Help:        "Messages received by type.",
			ConstLabels: constLabels,
		}, []string{"type"})).(*prometheus.CounterVec),
		SharesAccepted: register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "shares_accepted_total",
			Help:        "Shares accepted into a coordinator's local store.",
			ConstLabels: constLabels,
		})).(prometheus.Counter),
		SharesRejected: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "shares_rejected_total",
			Help:        "Shares rejected, labeled by reason (duplicate, late).",
			ConstLabels: constLabels,
		}, []string{"reason"})).(*prometheus.CounterVec),
		ComputationsDone: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "computations_total",
			Help:        "Computations reaching a terminal status, labeled by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"})).(*prometheus.CounterVec),
		RevealLatencySecs: register(prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "reveal_latency_seconds",
			Help:        "Time from deadline to finalized result for a computation.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		})).(prometheus.Histogram),
	}
}
