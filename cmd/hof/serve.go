package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shapeshift/security-hall-of-fame/pkg/audit"
	"github.com/shapeshift/security-hall-of-fame/pkg/auth"
	"github.com/shapeshift/security-hall-of-fame/pkg/config"
	"github.com/shapeshift/security-hall-of-fame/pkg/events"
	"github.com/shapeshift/security-hall-of-fame/pkg/observability"
	"github.com/shapeshift/security-hall-of-fame/pkg/ratelimit"
	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
	"github.com/shapeshift/security-hall-of-fame/pkg/server"
	"github.com/shapeshift/security-hall-of-fame/pkg/store"
)

const shutdownTimeout = 15 * time.Second

// app holds the wired service. Close releases everything New acquired.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sql.DB
	redis    *redis.Client
	obs      *observability.Provider
	fanout   *events.Fanout
	limiter  ratelimit.LimiterStore
	registry *registry.Registry
	chain    *audit.Chain
	handler  http.Handler

	stopSweep context.CancelFunc
}

//nolint:gocognit,gocyclo
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, auditOut io.Writer) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	// 1. Telemetry
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Environment = cfg.Environment
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.SampleRate = cfg.OTelSampleRate
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.Insecure = cfg.OTelInsecure
	if a.obs, err = observability.New(ctx, obsCfg); err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	// 2. Storage
	var st registry.Store
	switch cfg.Store {
	case config.StoreSQLite:
		var s *store.SQLStore
		if s, a.db, err = store.Open(ctx, cfg.SQLitePath); err != nil {
			return nil, err
		}
		st = s
		logger.InfoContext(ctx, "sqlite store ready", "path", cfg.SQLitePath)
	case config.StorePostgres:
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return nil, errors.New("HOF_DATABASE_URL must be a postgres:// URL")
		}
		var s *store.SQLStore
		if s, a.db, err = store.Open(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		st = s
		logger.InfoContext(ctx, "postgres store ready")
	case config.StoreFile:
		fs, err := store.NewFileStore(cfg.StateFile)
		if err != nil {
			return nil, err
		}
		st = fs
		logger.InfoContext(ctx, "file store ready", "path", cfg.StateFile)
	case config.StoreMemory:
		logger.WarnContext(ctx, "memory store: registry state will not survive a restart")
	}

	// 3. Redis (optional): shared rate limits and event publication
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.fanout = events.NewFanout(0, logger, events.NewRedisPublisher(a.redis, cfg.RedisPrefix))
		go a.fanout.Run()
		logger.InfoContext(ctx, "redis connected", "addr", cfg.RedisAddr, "channel", events.Channel(cfg.RedisPrefix))
	}

	// 4. Registry and its observers
	metrics, err := observability.NewRegistryMetrics(a.obs.Meter())
	if err != nil {
		return nil, fmt.Errorf("init registry metrics: %w", err)
	}
	a.chain = audit.NewChain()
	observers := []registry.Observer{a.chain, audit.NewLoggerWithWriter(auditOut), metrics}
	if a.fanout != nil {
		observers = append(observers, a.fanout)
	}

	a.registry, err = registry.New(ctx, registry.Options{
		Authority:        registry.Identity(cfg.Authority),
		TimelockDuration: cfg.Timelock(),
		URIPrefix:        cfg.EffectiveURIPrefix(),
		Store:            st,
		Observers:        observers,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	if err := observability.RegisterSupplyGauge(a.obs.Meter(), a.registry); err != nil {
		return nil, fmt.Errorf("register supply gauge: %w", err)
	}

	// 5. HTTP surface
	policy := ratelimit.Policy{RPM: cfg.RateLimitRPM, Burst: cfg.RateLimitBurst}
	switch {
	case cfg.RateLimitRPM == 0:
		logger.InfoContext(ctx, "rate limiting disabled")
	case a.redis != nil:
		a.limiter = ratelimit.NewRedisLimiterStore(a.redis, cfg.RedisPrefix)
	default:
		mem := ratelimit.NewInMemoryLimiterStore()
		var sweepCtx context.Context
		sweepCtx, a.stopSweep = context.WithCancel(context.WithoutCancel(ctx))
		go mem.Run(sweepCtx)
		a.limiter = mem
	}

	validator := auth.NewJWTValidator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if validator == nil {
		logger.WarnContext(ctx, "HOF_JWT_SECRET not set: the registry is read-only")
	}

	srv, err := server.New(server.Options{
		Registry:      a.registry,
		Audit:         a.chain,
		Observability: a.obs,
		Validator:     validator,
		Limiter:       a.limiter,
		Policy:        policy,
		CORSOrigins:   cfg.CORSOrigins,
		Logger:        logger,
		Version:       version,
	})
	if err != nil {
		return nil, err
	}
	a.handler = srv.Handler()
	return a, nil
}

// Close drains event delivery and releases connections.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.stopSweep != nil {
		a.stopSweep()
	}
	if a.fanout != nil {
		if err := a.fanout.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain events: %w", err))
		}
		if n := a.fanout.Dropped(); n > 0 {
			a.logger.WarnContext(ctx, "events dropped during run", "count", n)
		}
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.obs != nil {
		errs = append(errs, a.obs.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// runServeCmd implements `hof serve`.
//
// Exit codes:
//
//	0 = clean shutdown
//	1 = server error
//	2 = configuration error
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var addr string
	cmd.StringVar(&addr, "addr", "", "Listen address (overrides HOF_ADDR)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if cfg.Authority == "" && cfg.Store == config.StoreMemory {
		_, _ = fmt.Fprintln(stderr, "Error: HOF_AUTHORITY is required for the memory store")
		return 2
	}

	logger := cfg.NewLogger(stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, stdout)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hall of fame ready", "addr", cfg.Addr, "version", version, "store", cfg.Store)
		errCh <- httpSrv.ListenAndServe()
	}()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
		code = 1
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("close", "error", err)
		code = 1
	}
	return code
}
