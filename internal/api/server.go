// Package api is the thin HTTP/JSON binding described in spec.md §6 and
// SPEC_FULL.md §4.10: it exposes the ledger service's field shapes over
// gorilla/mux and carries no core logic of its own. Every handler's body is
// decode request, call internal/ledger, encode response.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/ledger/internal/ledger"
)

// Metrics holds the Prometheus counters this binding exposes, grounded on
// the teacher's internal/escrow/metrics.go promauto pattern.
type Metrics struct {
	AppendsTotal        *prometheus.CounterVec
	ProofVerifications  *prometheus.CounterVec
	MonitorAlertsServed *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
}

// NewMetrics creates and registers this binding's Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		AppendsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_appends_total",
				Help: "Total number of append requests by ledger and outcome.",
			},
			[]string{"ledger_id", "outcome"},
		),
		ProofVerifications: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_proof_verifications_total",
				Help: "Total number of stateless proof verifications by result.",
			},
			[]string{"valid"},
		),
		MonitorAlertsServed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_monitor_alerts_streamed_total",
				Help: "Total number of integrity alerts pushed to connected websocket clients.",
			},
			[]string{"severity"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_http_request_duration_seconds",
				Help:    "HTTP handler latency by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

// Server is the HTTP binding in front of a ledger.Service.
type Server struct {
	svc     *ledger.Service
	auth    ledger.AuthContextProvider
	metrics *Metrics
	alerts  *AlertStream
	logger  *slog.Logger

	corsOrigins []string
}

// NewServer wires a Server. auth may be nil, in which case tenant
// resolution falls back to the X-Tenant-ID header (dev/demo mode, matching
// the teacher's own getTenantID fallback).
func NewServer(svc *ledger.Service, auth ledger.AuthContextProvider, corsOrigins []string) *Server {
	return &Server{
		svc:         svc,
		auth:        auth,
		metrics:     NewMetrics(),
		alerts:      NewAlertStream(),
		logger:      slog.Default().With("component", "api.Server"),
		corsOrigins: corsOrigins,
	}
}

// AlertStream exposes the websocket push used by the integrity monitor to
// notify connected operators in real time (SPEC_FULL.md §4.10). It also
// satisfies events.EventEmitter so internal/monitor can target it directly.
func (s *Server) AlertStream() *AlertStream { return s.alerts }

// Router builds the mux.Router exposing every operation in spec.md §6.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.tenantMiddleware)

	r.HandleFunc("/v1/ledgers", s.handleCreateLedger).Methods(http.MethodPost)
	r.HandleFunc("/v1/ledgers", s.handleListLedgers).Methods(http.MethodGet)
	r.HandleFunc("/v1/ledgers/{ledgerID}", s.handleGetLedger).Methods(http.MethodGet)
	r.HandleFunc("/v1/ledgers/{ledgerID}/root", s.handleCurrentRoot).Methods(http.MethodGet)
	r.HandleFunc("/v1/ledgers/{ledgerID}/archive", s.handleArchive).Methods(http.MethodPost)
	r.HandleFunc("/v1/ledgers/{ledgerID}/entries", s.handleAppend).Methods(http.MethodPost)
	r.HandleFunc("/v1/ledgers/{ledgerID}/entries:batch", s.handleBatchAppend).Methods(http.MethodPost)
	r.HandleFunc("/v1/ledgers/{ledgerID}/entries/{entryID}", s.handleGetEntry).Methods(http.MethodGet)
	r.HandleFunc("/v1/ledgers/{ledgerID}/entries/{entryID}/proof", s.handleGetProof).Methods(http.MethodGet)
	r.HandleFunc("/v1/proofs/verify", s.handleVerifyProof).Methods(http.MethodPost)
	r.HandleFunc("/v1/proofs/verify-compact", s.handleVerifyCompactProof).Methods(http.MethodPost)
	r.HandleFunc("/v1/alerts/stream", s.alerts.ServeWS)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// ListenAndServe starts the HTTP server on addr with the teacher's own
// read/write/idle timeout conventions (internal/api/server.go's original
// http.Server field set, applied here instead of bare ListenAndServe).
func (s *Server) ListenAndServe(addr string, readTimeout, writeTimeout, idleTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	s.logger.Info("ledger API listening", "addr", addr)
	return srv.ListenAndServe()
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.corsOrigins) > 0 {
			origin = s.corsOrigins[0]
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID, Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		route := r.URL.Path
		if m := mux.CurrentRoute(r); m != nil {
			if tpl, err := m.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type tenantContextKey struct{}

// tenantMiddleware resolves the caller's AuthContext (via the injected
// provider, e.g. internal/identity.SPIFFEAuthContextProvider) or, absent
// one, the X-Tenant-ID header — matching the teacher's own
// Authorization-header-then-header-fallback shape in
// internal/middleware/tenant.go, generalized from an API-key lookup to the
// opaque AuthContextProvider interface spec.md §1 calls for.
func (s *Server) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var authCtx ledger.AuthContext
		if s.auth != nil {
			resolved, err := s.auth.Resolve(r)
			if err != nil {
				http.Error(w, fmt.Sprintf(`{"error":"unauthenticated: %s"}`, err), http.StatusUnauthorized)
				return
			}
			authCtx = resolved
		} else {
			authCtx = ledger.AuthContext{TenantID: r.Header.Get("X-Tenant-ID")}
			if authCtx.TenantID == "" {
				authCtx.TenantID = "default"
			}
		}
		ctx := context.WithValue(r.Context(), tenantContextKey{}, authCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func authFromContext(ctx context.Context) ledger.AuthContext {
	if v, ok := ctx.Value(tenantContextKey{}).(ledger.AuthContext); ok {
		return v
	}
	return ledger.AuthContext{}
}
