package metrics

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zapdrip/zapdrip/internal/ipfilter"
)

// Server serves Prometheus metrics on a dedicated listener, optionally
// restricted to an IP allowlist.
type Server struct {
	httpServer *http.Server
	metrics    *Metrics
	addr       string
	logger     *slog.Logger
	filter     *ipfilter.Filter
}

// NewServer creates a metrics HTTP server. allowedIPs takes single IPs
// or CIDRs; an empty list allows everyone.
func NewServer(m *Metrics, addr string, allowedIPs []string, logger *slog.Logger) *Server {
	if addr == "" {
		addr = ":9090"
	}

	logger = logger.With("component", "metrics")
	return &Server{
		metrics: m,
		addr:    addr,
		logger:  logger,
		filter:  ipfilter.New(allowedIPs, logger),
	}
}

// ListenAndServe starts the metrics HTTP server
func (s *Server) ListenAndServe() error {
	mux := http.NewServeMux()

	handler := promhttp.HandlerFor(
		s.metrics.Registry(),
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	)
	mux.Handle("/metrics", s.filter.HTTPMiddleware(handler))

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	s.logger.Info("starting metrics server", "addr", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
