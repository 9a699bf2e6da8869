package node

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/openformix/formix/metrics"
	"github.com/openformix/formix/registry"
	"github.com/openformix/formix/transport"
	"github.com/openformix/formix/wire"
)

// Role is satisfied by both coordinator.Node and contributor.Node: the
// common shape Runtime needs to dispatch inbound envelopes.
type Role interface {
	HandleEnvelope(ctx context.Context, env *wire.Envelope) error
}

// Config parameterizes a Runtime.
type Config struct {
	NodeID      string
	NodeRole    registry.Role
	ListenAddr  string // host:port, port 0 for an OS-assigned port
	MetricsAddr string // empty disables the metrics server
	Handler     Role
	Logger      zerolog.Logger

	MaxInFlight   int
	DrainDuration time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 64
	}
	if c.DrainDuration == 0 {
		c.DrainDuration = 2 * time.Second
	}
}

// Runtime is one node's HTTP-facing shell: it decodes inbound envelopes,
// dispatches them to Role, exposes /health, and serves /metrics on a
// separate listener. It knows nothing about coordinator/contributor
// semantics.
type Runtime struct {
	cfg Config
	log zerolog.Logger

	listener net.Listener
	srv      *http.Server
	metrics  *metrics.Server
	collectors *metrics.Collectors

	startedAt time.Time

	draining atomic.Bool
}

// New creates a Runtime bound to cfg.ListenAddr but does not start serving
// yet — call Start for that.
func New(cfg Config) (*Runtime, error) {
	cfg.setDefaults()
	log := cfg.Logger.With().Str("node_id", cfg.NodeID).Str("role", string(cfg.NodeRole)).Logger()

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	metricsSrv, err := metrics.New("formix", cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:        cfg,
		log:        log,
		listener:   listener,
		metrics:    metricsSrv,
		collectors: metrics.NewCollectors("formix", cfg.NodeID),
		startedAt:  time.Now(),
	}

	router := transport.NewRouter(r.handleMessage, r.handleHealth, cfg.MaxInFlight)
	r.srv = &http.Server{Handler: router}
	return r, nil
}

// Endpoint returns the address this Runtime bound to, of the form
// "http://host:port" — resolved even if ListenAddr's port was 0.
func (r *Runtime) Endpoint() string {
	return "http://" + r.listener.Addr().String()
}

// Start begins serving /message, /health, and /metrics in background
// goroutines. It returns once the listeners are accepting connections.
func (r *Runtime) Start() {
	go func() {
		if err := r.srv.Serve(r.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error().Err(err).Msg("message server stopped unexpectedly")
		}
	}()

	if r.cfg.MetricsAddr != "" {
		go func() {
			if err := r.metrics.ListenAndServe(); err != nil {
				r.log.Error().Err(err).Msg("metrics server stopped unexpectedly")
			}
		}()
	}

	r.log.Info().Str("endpoint", r.Endpoint()).Msg("node started")
}

// Shutdown drains in-flight handlers up to DrainDuration, then aborts
// remaining work and closes both listeners.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.draining.Store(true)

	drainCtx, cancel := context.WithTimeout(ctx, r.cfg.DrainDuration)
	defer cancel()

	err := r.srv.Shutdown(drainCtx)
	if metricsErr := r.metrics.Shutdown(drainCtx); metricsErr != nil && err == nil {
		err = metricsErr
	}
	r.log.Info().Msg("node stopped")
	return err
}

func (r *Runtime) handleMessage(w http.ResponseWriter, req *http.Request) {
	if r.draining.Load() {
		http.Error(w, "shutdown in progress", http.StatusServiceUnavailable)
		return
	}

	env, err := wire.DecodeEnvelope(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.collectors.MessagesReceived.WithLabelValues(string(env.Type)).Inc()

	if err := r.cfg.Handler.HandleEnvelope(req.Context(), env); err != nil {
		r.log.Warn().Err(err).Str("type", string(env.Type)).Msg("handling envelope failed")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type healthResponse struct {
	NodeID string `json:"node_id"`
	Role   string `json:"role"`
	Uptime string `json:"uptime"`
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		NodeID: r.cfg.NodeID,
		Role:   string(r.cfg.NodeRole),
		Uptime: time.Since(r.startedAt).String(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
