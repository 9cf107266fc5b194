// Package server exposes the token registry over an HTTP JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/shapeshift/security-hall-of-fame/pkg/api"
	"github.com/shapeshift/security-hall-of-fame/pkg/audit"
	"github.com/shapeshift/security-hall-of-fame/pkg/auth"
	"github.com/shapeshift/security-hall-of-fame/pkg/observability"
	"github.com/shapeshift/security-hall-of-fame/pkg/ratelimit"
	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

const maxBodyBytes = 64 << 10

// Options configures a Server. Registry is required.
type Options struct {
	Registry      *registry.Registry
	Audit         *audit.Chain
	Observability *observability.Provider
	Validator     *auth.JWTValidator
	Limiter       ratelimit.LimiterStore
	Policy        ratelimit.Policy
	CORSOrigins   []string
	Clock         registry.Clock
	Logger        *slog.Logger
	Version       string
}

// Server serves the registry API.
type Server struct {
	registry  *registry.Registry
	chain     *audit.Chain
	obs       *observability.Provider
	validator *auth.JWTValidator
	limiter   ratelimit.LimiterStore
	policy    ratelimit.Policy
	origins   []string
	clock     registry.Clock
	logger    *slog.Logger
	version   string
}

func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("server: registry is required")
	}
	s := &Server{
		registry:  opts.Registry,
		chain:     opts.Audit,
		obs:       opts.Observability,
		validator: opts.Validator,
		limiter:   opts.Limiter,
		policy:    opts.Policy,
		origins:   opts.CORSOrigins,
		clock:     opts.Clock,
		logger:    opts.Logger,
		version:   opts.Version,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "server")
	if s.obs == nil {
		obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
		s.obs = obs
	}
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/collection", s.handleCollection)

	mux.HandleFunc("POST /api/v1/tokens", s.handleMint)
	mux.HandleFunc("GET /api/v1/tokens/{id}", s.handleToken)
	mux.HandleFunc("GET /api/v1/tokens/{id}/owner", s.handleOwnerOf)
	mux.HandleFunc("GET /api/v1/tokens/{id}/uri", s.handleTokenURI)
	mux.HandleFunc("PUT /api/v1/tokens/{id}/uri", s.handleSetTokenURI)
	mux.HandleFunc("POST /api/v1/tokens/{id}/transfer", s.handleTransfer)
	mux.HandleFunc("POST /api/v1/tokens/{id}/approval", s.handleApprove)
	mux.HandleFunc("GET /api/v1/tokens/{id}/approval", s.handleGetApproved)

	mux.HandleFunc("PUT /api/v1/operators/{operator}", s.handleSetOperator)
	mux.HandleFunc("GET /api/v1/owners/{owner}/operators/{operator}", s.handleIsOperator)
	mux.HandleFunc("GET /api/v1/owners/{owner}/balance", s.handleBalance)

	mux.HandleFunc("GET /api/v1/timelock", s.handleTimelock)
	mux.HandleFunc("PUT /api/v1/timelock", s.handleSetTimelock)
	mux.HandleFunc("GET /api/v1/authority", s.handleAuthority)
	mux.HandleFunc("PUT /api/v1/authority", s.handleTransferAuthority)
	mux.HandleFunc("DELETE /api/v1/authority", s.handleRenounceAuthority)

	mux.HandleFunc("GET /api/v1/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /api/v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("GET /api/v1/audit/export", s.handleAuditExport)

	var h http.Handler = mux
	h = auth.RateLimitMiddleware(s.limiter, s.policy)(h)
	h = auth.NewMiddleware(s.validator)(h)
	h = otelhttp.NewHandler(h, "hof.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	h = auth.CORSMiddleware(s.origins)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		api.WriteBadRequest(w, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathTokenID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		api.WriteBadRequest(w, "token id must be a non-negative integer")
		return 0, false
	}
	return id, true
}

// fail writes err as a problem document, logging rejected mutations.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.InfoContext(r.Context(), "request rejected",
		"op", op,
		"caller", auth.Caller(r.Context()),
		"kind", observability.ErrorKind(err),
		"request_id", auth.GetRequestID(r.Context()),
	)
	api.WriteRegistryError(w, err, s.clock())
}

// track runs fn inside an observability span named op.
func (s *Server) track(r *http.Request, op string, fn func(ctx context.Context) error) error {
	ctx, finish := s.obs.TrackOperation(r.Context(), op)
	err := fn(ctx)
	finish(err)
	return err
}
