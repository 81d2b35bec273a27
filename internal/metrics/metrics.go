package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Usage store metrics
	UsageUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talktime_usage_updates_total",
			Help: "Usage updates by result (ok, failed)",
		},
		[]string{"result"},
	)

	SecondsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "talktime_seconds_consumed_total",
			Help: "Conversation seconds successfully written to the usage store",
		},
	)

	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talktime_store_errors_total",
			Help: "Usage store errors by operation",
		},
		[]string{"op"},
	)

	// Meter metrics
	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talktime_flushes_total",
			Help: "Meter flushes by kind (periodic, final, unload) and result",
		},
		[]string{"kind", "result"},
	)

	// Call metrics
	ActiveCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "talktime_active_calls",
			Help: "Number of metered calls in progress",
		},
	)

	CallsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "talktime_calls_started_total",
			Help: "Total metered calls started",
		},
	)

	CallsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talktime_calls_rejected_total",
			Help: "Call starts refused by reason",
		},
		[]string{"reason"},
	)

	CallsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talktime_calls_ended_total",
			Help: "Calls ended by reason",
		},
		[]string{"reason"},
	)

	CallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talktime_call_duration_seconds",
			Help:    "Metered call duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talktime_api_requests_total",
			Help: "API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		UsageUpdatesTotal,
		SecondsConsumed,
		StoreErrors,
		FlushesTotal,
		ActiveCalls,
		CallsStartedTotal,
		CallsRejectedTotal,
		CallsEndedTotal,
		CallDuration,
		APIRequestsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
