package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Control loop metrics
	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pomodoro_ticks_total",
			Help: "Total control loop iterations",
		},
	)

	// Session metrics
	SessionConnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pomodoro_session_connects_total",
			Help: "Broker connection attempts",
		},
		[]string{"result"},
	)

	SessionRefreshesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pomodoro_session_refreshes_total",
			Help: "Proactive reconnects before credential expiry",
		},
	)

	SessionConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pomodoro_session_connected",
			Help: "1 while the broker session is connected",
		},
	)

	CredentialsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pomodoro_credentials_issued_total",
			Help: "Broker credentials issued",
		},
		[]string{"result"},
	)

	// Messaging metrics
	MessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pomodoro_messages_received_total",
			Help: "Inbound broker messages",
		},
		[]string{"topic", "result"},
	)

	PublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pomodoro_publishes_total",
			Help: "Outbound telemetry publishes",
		},
		[]string{"result"},
	)

	// Timer metrics
	TimerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pomodoro_timer_state",
			Help: "1 for the current timer state, 0 otherwise",
		},
		[]string{"state"},
	)

	CompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pomodoro_completed_total",
			Help: "Pomodoros run to completion",
		},
	)

	// Hardware metrics
	HardwareErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pomodoro_hardware_errors_total",
			Help: "Failed display, buzzer or button operations",
		},
		[]string{"device"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		TicksTotal,
		SessionConnectsTotal,
		SessionRefreshesTotal,
		SessionConnected,
		CredentialsIssuedTotal,
		MessagesReceivedTotal,
		PublishesTotal,
		TimerState,
		CompletedTotal,
		HardwareErrorsTotal,
	)
}

// SetTimerState marks state as the current timer state.
func SetTimerState(current string, states ...string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		TimerState.WithLabelValues(s).Set(v)
	}
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server. health reports readiness for /health;
// nil means always healthy.
func NewServer(addr string, health func() bool, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil && !health() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("DISCONNECTED"))
			return
		}
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

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
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
