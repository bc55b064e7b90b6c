package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Usage metrics
	UsageSecondsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_usage_seconds_recorded_total",
			Help: "Usage seconds recorded per limit, by source",
		},
		[]string{"limit", "source"},
	)

	UnattributedUsageSeconds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_unattributed_usage_seconds_total",
			Help: "Usage seconds dropped because no limit matched the identity",
		},
	)

	UsageRollovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_usage_rollovers_total",
			Help: "Daily usage rollovers performed lazily on access",
		},
	)

	// Identity metrics
	IdentityMatchMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_identity_match_misses_total",
			Help: "Identity resolutions that found no matching limit",
		},
	)

	NameFallbackMatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_identity_name_fallback_matches_total",
			Help: "Identity resolutions that succeeded only via the lossy name fallback",
		},
	)

	// Shield metrics
	BlocksApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_blocks_applied_total",
			Help: "Block enforcement calls issued",
		},
		[]string{"reason"},
	)

	BlocksLifted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_blocks_lifted_total",
			Help: "Block lift calls issued after a grant",
		},
	)

	PuzzleRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_puzzle_requests_total",
			Help: "Puzzle request writes, by outcome",
		},
		[]string{"outcome"},
	)

	GrantsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_grants_issued_total",
			Help: "Unlock grants issued, by mode",
		},
		[]string{"mode"},
	)

	GrantsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_grants_expired_total",
			Help: "Grant windows expired and re-blocked by the sweep",
		},
	)

	// Storage metrics
	MalformedRecordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_malformed_records_dropped_total",
			Help: "Persisted records skipped because they failed to decode",
		},
		[]string{"kind"},
	)

	StorageUnavailable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_storage_unavailable_total",
			Help: "Operations that failed because the shared store was unreachable",
		},
	)
)

func init() {
	prometheus.MustRegister(
		UsageSecondsRecorded,
		UnattributedUsageSeconds,
		UsageRollovers,
		IdentityMatchMisses,
		NameFallbackMatches,
		BlocksApplied,
		BlocksLifted,
		PuzzleRequests,
		GrantsIssued,
		GrantsExpired,
		MalformedRecordsDropped,
		StorageUnavailable,
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
