package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Registry metrics
	RegistryContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarm_discovery_registry_containers",
			Help: "Number of running containers known to the registry",
		},
	)

	RegistryNetworks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarm_discovery_registry_networks",
			Help: "Number of overlay networks this host participates in",
		},
	)

	LifecycleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_discovery_lifecycle_events_total",
			Help: "Lifecycle events received from the runtime by type",
		},
		[]string{"type"},
	)

	// DNS metrics
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_discovery_dns_queries_total",
			Help: "DNS queries by route (discovery, proxy)",
		},
		[]string{"route"},
	)

	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swarm_discovery_dns_query_duration_seconds",
			Help:    "Time taken to answer a DNS query",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProxyCacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_discovery_proxy_cache_total",
			Help: "Proxy cache lookups by result (hit, inflight, miss)",
		},
		[]string{"result"},
	)

	ProxyCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarm_discovery_proxy_cache_entries",
			Help: "Current number of cached upstream answers",
		},
	)

	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_discovery_upstream_errors_total",
			Help: "Failed upstream queries by kind (timeout, error)",
		},
		[]string{"kind"},
	)

	// Network membership metrics
	NetworkOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarm_discovery_network_operations_total",
			Help: "Join/leave operations by operation and result",
		},
		[]string{"operation", "result"},
	)
)

func init() {
	prometheus.MustRegister(RegistryContainers)
	prometheus.MustRegister(RegistryNetworks)
	prometheus.MustRegister(LifecycleEvents)
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(ProxyCacheResults)
	prometheus.MustRegister(ProxyCacheEntries)
	prometheus.MustRegister(UpstreamErrors)
	prometheus.MustRegister(NetworkOperations)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server exposes /metrics on addr until ctx is done.
type Server struct {
	addr   string
	logger zerolog.Logger
}

func NewServer(addr string, logger zerolog.Logger) *Server {
	return &Server{addr: addr, logger: logger.With().Str("component", "metrics").Logger()}
}

func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("address", s.addr).Msg("Starting metrics listener")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
