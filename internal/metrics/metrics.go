package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktime_sessions_started_total",
			Help: "Total playback sessions started",
		},
	)

	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_sessions_closed_total",
			Help: "Total playback sessions closed by terminal status",
		},
		[]string{"status"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ktime_active_sessions",
			Help: "Number of active playback sessions seen by the last sweep",
		},
	)

	Heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_heartbeats_total",
			Help: "Total heartbeats by result",
		},
		[]string{"result"},
	)

	HeartbeatDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ktime_heartbeat_duration_seconds",
			Help:    "Heartbeat processing duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Usage metrics
	UsageSecondsCredited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktime_usage_seconds_credited_total",
			Help: "Total viewing seconds credited to ledgers",
		},
	)

	AccessDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_access_denied_total",
			Help: "Total access denials by reason",
		},
		[]string{"reason"},
	)

	// Device metrics
	DeviceRegistrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_device_registrations_total",
			Help: "Total device registrations by result",
		},
		[]string{"result"},
	)

	DevicesDeactivated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_devices_deactivated_total",
			Help: "Total devices deactivated or removed",
		},
		[]string{"mode"},
	)

	// Broadcast metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_events_published_total",
			Help: "Total enforcement events published by kind",
		},
		[]string{"kind"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktime_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
	)

	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ktime_subscribers",
			Help: "Number of live real-time subscriptions",
		},
	)

	// Approval metrics
	ApprovalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_approval_transitions_total",
			Help: "Total approval requests by resulting status",
		},
		[]string{"status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SessionsStarted,
		SessionsClosed,
		ActiveSessions,
		Heartbeats,
		HeartbeatDuration,
		UsageSecondsCredited,
		AccessDenied,
		DeviceRegistrations,
		DevicesDeactivated,
		EventsPublished,
		EventsDropped,
		Subscribers,
		ApprovalTransitions,
	)
}

// HealthFunc reports whether the service can serve requests
type HealthFunc func(ctx context.Context) error

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server. A nil health check always reports OK.
func NewServer(addr string, health HealthFunc, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler exposes the HTTP handler for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
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
			// Use systemd socket-activated listener
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
