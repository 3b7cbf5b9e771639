// fabricd runs the AI governance fabric as a standalone service: the
// admission pipeline behind an HTTP surface plus the admin API.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	_ "github.com/lib/pq"

	"github.com/quorumgate/fabric/pkg/admin"
	"github.com/quorumgate/fabric/pkg/admission"
	"github.com/quorumgate/fabric/pkg/approval"
	"github.com/quorumgate/fabric/pkg/audit"
	"github.com/quorumgate/fabric/pkg/breaker"
	"github.com/quorumgate/fabric/pkg/config"
	"github.com/quorumgate/fabric/pkg/inference"
	"github.com/quorumgate/fabric/pkg/observability"
	"github.com/quorumgate/fabric/pkg/phase"
	"github.com/quorumgate/fabric/pkg/promptsafety"
	"github.com/quorumgate/fabric/pkg/ratelimit"
	"github.com/quorumgate/fabric/pkg/tenancy"
	"github.com/quorumgate/fabric/pkg/usage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fabricd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional governance profile: deployment-specific threshold overrides
	// (e.g. a clinical profile with a stricter injection threshold).
	sanitizer := promptsafety.NewSanitizer()
	redactor := promptsafety.NewRedactor()
	classifier := approval.NewClassifier()
	var policy *approval.PolicyEvaluator
	breakerCfg := breaker.DefaultConfig()
	if name := os.Getenv("GOVERNANCE_PROFILE"); name != "" {
		dir := os.Getenv("GOVERNANCE_PROFILES_DIR")
		if dir == "" {
			dir = "profiles"
		}
		prof, err := config.LoadProfile(dir, name)
		if err != nil {
			return err
		}
		if prof.InjectionThreshold > 0 {
			sanitizer.WithThreshold(prof.InjectionThreshold)
		}
		if len(prof.RedactionAllowlist) > 0 {
			redactor = promptsafety.NewRedactor(prof.RedactionAllowlist...)
		}
		for i, pat := range prof.BlockedPlanPatterns {
			if err := classifier.AddBlockedPattern(fmt.Sprintf("%s_blocked_%d", prof.Name, i), pat); err != nil {
				return err
			}
		}
		if prof.RiskPolicyExpression != "" {
			policy, err = approval.NewPolicyEvaluator([]approval.PolicyRule{{
				Name:       prof.Name + "_policy",
				Expression: prof.RiskPolicyExpression,
				Level:      approval.RiskHigh,
			}})
			if err != nil {
				return err
			}
		}
		if prof.ApprovalTTLSeconds > 0 {
			cfg.ApprovalTokenTTL = time.Duration(prof.ApprovalTTLSeconds) * time.Second
		}
		if prof.FailureThreshold > 0 {
			breakerCfg.FailureThreshold = prof.FailureThreshold
		}
		if prof.OpenTimeoutSeconds > 0 {
			breakerCfg.OpenTimeout = time.Duration(prof.OpenTimeoutSeconds) * time.Second
		}
		logger.Info("governance profile applied", "profile", prof.Name)
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "governance-fabric",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	// Audit: async sink over a durable SQLite store, falling back to stdout
	// JSON lines on a store outage. The store also backs evidence export.
	auditStore, err := audit.OpenSQLiteStore("fabric-audit.db")
	if err != nil {
		return err
	}
	defer auditStore.Close()
	sink := audit.NewAsyncSink(auditStore, audit.NewWriterStore(os.Stdout), 1024, logger)
	sink.SetDegradedHook(func() { obs.RecordSinkDegraded(context.Background()) })
	defer sink.Close()

	phaseGate := phase.NewGate(cfg)
	kernel := tenancy.NewKernel(cfg.TenantStrictMode, logger)
	kernel.SetAuditHook(func(ctx context.Context, event string, fields map[string]any) {
		e := audit.NewEvent(audit.EventType(event), str(fields, "tenant_id"), str(fields, "actor_id"), "success")
		e.Extra = fields
		sink.Record(ctx, e)
	})

	var limiter ratelimit.Limiter
	rlCfg := ratelimit.DefaultConfig(cfg.RateLimitPerMinute, cfg.UserRateLimitPerMinute)
	if cfg.RedisAddr != "" {
		rl := ratelimit.NewRedisLimiter(rlCfg, cfg.RedisAddr, "", 0)
		defer rl.Close()
		limiter = rl
		logger.Info("rate limiter backed by redis", "addr", cfg.RedisAddr)
	} else {
		limiter = ratelimit.NewMemoryLimiter(rlCfg)
	}

	tracker := usage.NewTracker()

	// Approval gate with durable queue when a database is configured.
	var queue approval.QueueStore = approval.NewMemoryQueue()
	var journal usage.Journal
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		pq := approval.NewPostgresQueue(db)
		if err := pq.Init(ctx); err != nil {
			return err
		}
		queue = pq
		pj := usage.NewPostgresJournal(db)
		if err := pj.Init(ctx); err != nil {
			return err
		}
		journal = pj
		logger.Info("approval queue backed by postgres")
	}

	codec, err := approval.NewCodec(cfg.EncryptionKey, cfg.ApprovalTokenTTL)
	if err != nil {
		return err
	}
	registry := approval.NewRegistry()
	gate := approval.NewGate(classifier, policy, codec, registry, queue, sink, logger)

	sweeper := approval.NewSweeper(queue, registry, time.Minute, gate.OnExpired)
	go sweeper.Run(ctx)
	defer sweeper.Stop()

	breakerCfg.OnStateChange = func(name string, from, to breaker.State) {
		obs.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
		e := audit.NewEvent(audit.EventCircuitStateTransition, "", "", "success")
		e.Extra = map[string]any{"circuit": name, "from": from.String(), "to": to.String()}
		sink.Record(context.Background(), e)
	}
	circuit := breaker.NewCircuit("inference", breakerCfg)

	validator, err := promptsafety.NewValidator(redactor)
	if err != nil {
		return err
	}

	client := inference.NewWithTimeout(
		inference.NewOpenAIClient(cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.ModelID),
		cfg.ModelTimeout,
	)

	pipeline := admission.New(admission.Deps{
		Phase:     phaseGate,
		Kernel:    kernel,
		Limiter:   limiter,
		Tracker:   tracker,
		Safety:    promptsafety.NewPipeline(sanitizer, redactor),
		Validator: validator,
		Breaker:   circuit,
		Client:    client,
		Gate:      gate,
		Sink:      sink,
		Journal:   journal,
		Obs:       obs,
		Logger:    logger,
	})

	svc := admin.NewService(gate, phaseGate, pipeline, sink, logger).
		WithExporter(audit.NewExporter(auditStore))
	adminMux := http.NewServeMux()
	admin.NewHandler(svc).Routes(adminMux)

	var adminHandler http.Handler = adminMux
	adminHandler = admin.RateLimitMiddleware(rate.Limit(10), 20)(adminHandler)
	adminHandler = admin.AuthMiddleware(admin.NewJWTValidator(cfg.EncryptionKey))(adminHandler)

	mux := http.NewServeMux()
	mux.Handle("/admin/", adminHandler)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fabricd listening", "addr", srv.Addr, "phase", phaseGate.Snapshot().Current)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
