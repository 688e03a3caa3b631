package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/concord-mesh/concord/pkg/anchor"
	"github.com/concord-mesh/concord/pkg/audit"
	"github.com/concord-mesh/concord/pkg/bus"
	"github.com/concord-mesh/concord/pkg/config"
	"github.com/concord-mesh/concord/pkg/contracts"
	"github.com/concord-mesh/concord/pkg/deliberation"
	"github.com/concord-mesh/concord/pkg/maci"
	"github.com/concord-mesh/concord/pkg/observability"
	"github.com/concord-mesh/concord/pkg/policy"
	"github.com/concord-mesh/concord/pkg/resilience"
	"github.com/concord-mesh/concord/pkg/routing"
	"github.com/concord-mesh/concord/pkg/scoring"
	"github.com/concord-mesh/concord/pkg/validator"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	profile := config.DefaultProfile()
	if cfg.ProfilePath != "" {
		loaded, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return err
		}
		profile = loaded
	}
	slog.Info("starting", "profile", profile.Name, "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "concord",
		Environment:  profile.Name,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	// Audit store: postgres when configured, sqlite otherwise.
	var auditStore audit.Store
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		auditStore, err = audit.NewPostgresStore(db)
	} else {
		db, err = sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		auditStore, err = audit.NewSQLiteStore(db)
	}
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	defer func() { _ = db.Close() }()

	ledger := audit.NewLedger(auditStore)

	anchorBackend, err := buildAnchorBackend(ctx, profile.Anchor)
	if err != nil {
		return err
	}
	receipts := audit.NewMemoryReceipts()
	anchorWorker := audit.NewAnchorWorker(anchorBackend, receipts, audit.AnchorWorkerConfig{
		BatchSize: profile.Anchor.BatchSize,
	}).WithMetrics(obs.Metrics())
	ledger.Observe(anchorWorker.Enqueue)
	anchorWorker.Start(ctx)
	defer anchorWorker.Close()

	// Rate limiter: shared buckets when Redis is configured.
	var limiterStore resilience.LimiterStore
	if cfg.RedisURL != "" {
		limiterStore = resilience.NewRedisLimiterStore(cfg.RedisURL, "", 0)
	} else {
		limiterStore = resilience.NewLocalLimiterStore()
	}
	limiter := resilience.NewAgentLimiter(limiterStore)

	// Breakers on outbound dependencies take the profile's tuning.
	breakerFor := func(name string) *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker(name,
			profile.Breaker.FailureThreshold,
			profile.Breaker.Window.Std(), profile.Breaker.Cooldown.Std())
	}

	// Policy engine: external HTTP service, or in-process CEL.
	var engine policy.Engine
	if cfg.PolicyURL != "" {
		engine = policy.NewHTTPEngine(cfg.PolicyURL, 5*time.Second, policy.FailClosed).
			WithBreaker(breakerFor("policy-engine"))
	} else {
		celEngine, err := policy.NewCELEngine()
		if err != nil {
			return fmt.Errorf("cel engine: %w", err)
		}
		// Default constitutional rule: any registered principal passes;
		// deployments load real policies via profile or API.
		if err := celEngine.LoadPath(policy.PathConstitutional, `principal != ""`); err != nil {
			return fmt.Errorf("load constitutional policy: %w", err)
		}
		engine = celEngine
	}

	v := buildValidator(cfg, engine)

	registry := maci.NewRegistry()
	mode := maci.ModeStrict
	if profile.MACIMode == "permissive" {
		mode = maci.ModePermissive
	}
	enforcer := maci.NewEnforcer(registry, mode, contracts.Role(profile.FallbackRole))

	var model scoring.Capability
	if cfg.ScorerURL != "" {
		model = scoring.NewModelScorer(cfg.ScorerURL, 3*time.Second).
			WithBreaker(breakerFor("scorer"))
	}
	scorer := scoring.NewScorer(model)

	router := routing.New(registry).WithThresholds(routing.Thresholds{
		Fast:        profile.Thresholds.Fast,
		HumanReview: profile.Thresholds.HumanReview,
		Vote:        profile.Thresholds.Vote,
	})
	if len(profile.ForcedPredicates) > 0 {
		forced, err := routing.NewForcedPredicates(profile.ForcedPredicates)
		if err != nil {
			return fmt.Errorf("forced predicates: %w", err)
		}
		router.WithForcedPredicates(forced)
	}

	// Deliberation items always live in sqlite, even when the audit chain
	// is on postgres.
	delibDB := db
	if cfg.DatabaseURL != "" {
		delibDB, err = sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		defer func() { _ = delibDB.Close() }()
	}
	delibStore, err := deliberation.NewSQLiteStore(delibDB)
	if err != nil {
		return fmt.Errorf("deliberation store: %w", err)
	}

	var verifier *deliberation.ApprovalVerifier
	if cfg.ApprovalSecret != "" {
		verifier, err = deliberation.NewApprovalVerifier([]byte(cfg.ApprovalSecret), "concord-console")
		if err != nil {
			return fmt.Errorf("approval verifier: %w", err)
		}
	}

	// Bus and engine reference each other through the outcome sink, so
	// wire in two steps.
	var b *bus.Bus
	delibEngine := deliberation.NewEngine(delibStore, enforcer,
		deferredSink{sink: func() deliberation.AuditSink { return b.OutcomeSink() }},
		deliberation.WithNotifier(func(item *deliberation.Item) { b.HandleResolved(item) }),
	)

	b, err = bus.New(bus.Config{
		Limiter:   limiter,
		Validator: v,
		Enforcer:  enforcer,
		Scorer:    scorer,
		Router:    router,
		Engine:    delibEngine,
		Ledger:    ledger,
		Metrics:   obs.Metrics(),

		DefaultRatePerMinute: profile.Quotas.DefaultRatePerMinute,
	})
	if err != nil {
		return err
	}

	if err := delibEngine.Restore(ctx); err != nil {
		return err
	}
	delibEngine.Start(ctx)
	defer delibEngine.Close()
	b.Start(ctx)
	defer b.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newServer(b, delibEngine, ledger, registry, verifier).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// deferredSink breaks the bus <-> engine construction cycle.
type deferredSink struct {
	sink func() deliberation.AuditSink
}

func (d deferredSink) RecordOutcome(ctx context.Context, item *deliberation.Item) error {
	return d.sink().RecordOutcome(ctx, item)
}

func buildValidator(cfg *config.Config, engine policy.Engine) *validator.Validator {
	opts := []validator.Option{validator.WithPolicyEngine(engine)}
	if cfg.SingleTenant {
		opts = append(opts, validator.WithSingleTenant())
	}
	return validator.New(opts...)
}

func buildAnchorBackend(ctx context.Context, cfg config.AnchorConfig) (anchor.Backend, error) {
	switch cfg.Backend {
	case "s3":
		return anchor.NewS3Backend(ctx, anchor.S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case "gcs":
		return anchor.NewGCSBackend(ctx, anchor.GCSConfig{
			Bucket: cfg.Bucket,
			Prefix: cfg.Prefix,
		})
	case "", "memory":
		return anchor.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown anchor backend %q", cfg.Backend)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
