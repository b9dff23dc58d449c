// Command keeld runs the payment intent server.
//
// Configuration is environment-first (see pkg/config); a .env file is
// honored for local development. Every external backend is optional:
// with no environment set, keeld runs fully in memory with an approving
// settlement stub, which is the development mode.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/keelpay/core/pkg/action"
	"github.com/keelpay/core/pkg/api"
	"github.com/keelpay/core/pkg/archive"
	"github.com/keelpay/core/pkg/config"
	"github.com/keelpay/core/pkg/eventbus"
	"github.com/keelpay/core/pkg/gate"
	"github.com/keelpay/core/pkg/idempotency"
	"github.com/keelpay/core/pkg/intent"
	"github.com/keelpay/core/pkg/observability"
	"github.com/keelpay/core/pkg/risk"
	"github.com/keelpay/core/pkg/settlement"
	"github.com/keelpay/core/pkg/webhook"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

func main() {
	// godotenv does not override variables already set.
	_ = godotenv.Load()

	cfg := config.Load()

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(lvl)

	if err := run(cfg); err != nil {
		log.Fatalf("keeld: %v", err)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	// Telemetry first so everything after it is traced.
	if cfg.OTelEnabled {
		obsCfg := observability.DefaultConfig()
		if cfg.OTLPEndpoint != "" {
			obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		}
		provider, err := observability.New(ctx, obsCfg)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(sctx); err != nil {
				slog.Warn("telemetry shutdown", "error", err)
			}
		}()
		log.Println("[keeld] telemetry: exporting to " + obsCfg.OTLPEndpoint)
	}

	profile := &config.DeploymentProfile{}
	if cfg.ProfilePath != "" {
		var err error
		profile, err = config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return err
		}
		log.Printf("[keeld] profile: %s", profile.Name)
	}

	// Intent store. SQLITE_PATH selects the embedded store; otherwise
	// intents live in memory.
	var store intent.Store
	if cfg.SQLitePath != "" {
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		store, err = intent.NewSQLiteStore(db)
		if err != nil {
			return err
		}
		log.Printf("[keeld] sqlite: %s", cfg.SQLitePath)
	} else {
		store = intent.NewMemoryStore()
		log.Println("[keeld] intent store: memory")
	}

	// Idempotency keys. Postgres survives restarts; memory does not,
	// which is acceptable only in development.
	var idem idempotency.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		pg := idempotency.NewPostgresStore(db, 0)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		idem = pg
		log.Println("[keeld] postgres: connected")
	} else {
		mem := idempotency.NewMemoryStore(0)
		defer mem.Stop()
		idem = mem
	}

	// Rate gate and velocity counters share the Redis client when one
	// is configured, so limits hold across replicas.
	var (
		limiter  gate.Limiter
		counters risk.Counters
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		limiter = gate.NewRedisLimiter(client)
		counters = risk.NewRedisCounters(client)
		log.Println("[keeld] redis: connected")
	} else {
		mem := gate.NewMemoryLimiter()
		defer mem.Stop()
		limiter = mem
		counters = risk.NewMemoryCounters()
	}

	ruleset := risk.DefaultRuleset()
	if cfg.RulesetPath != "" {
		data, err := os.ReadFile(cfg.RulesetPath)
		if err != nil {
			return err
		}
		ruleset, err = risk.ParseRuleset(data)
		if err != nil {
			return err
		}
		log.Printf("[keeld] risk ruleset: %s", cfg.RulesetPath)
	}
	scorer, err := risk.NewScorer(ruleset, counters)
	if err != nil {
		return err
	}

	thresholds := risk.DefaultThresholds()
	if profile.Risk.ChallengeAt > 0 {
		thresholds.Challenge = profile.Risk.ChallengeAt
	}
	if profile.Risk.BlockAt > 0 {
		thresholds.Block = profile.Risk.BlockAt
	}

	var settler settlement.Settler = &settlement.StubSettler{}
	if cfg.SettlementURL != "" {
		settler = settlement.NewHTTPSettler(cfg.SettlementURL, cfg.SettlementTimeout)
		log.Printf("[keeld] settlement: %s", cfg.SettlementURL)
	} else {
		log.Println("[keeld] settlement: approving stub (dev mode)")
	}

	actionTimeout := profile.Lifecycle.ActionTimeout(cfg.ActionTimeout)
	resolver := action.NewResolver(cfg.ActionRedirectURL, actionTimeout)

	journal := eventbus.NewJournal()
	methods := intent.NewMethodRegistry()

	engine := intent.NewEngine(intent.Deps{
		Store:       store,
		Methods:     methods,
		Idempotency: idem,
		Scorer:      scorer,
		Resolver:    resolver,
		Settler:     settler,
		Journal:     journal,
	}, intent.Config{
		ProcessingTimeout: profile.Lifecycle.ProcessingTimeout(cfg.ProcessingTimeout),
		ActionTimeout:     actionTimeout,
		RescoreOnConfirm:  profile.Lifecycle.RescoreOnConfirm,
		Thresholds:        thresholds,
	})

	stopSweeper := engine.StartSweeper(profile.Lifecycle.SweepInterval(cfg.SweepInterval))
	defer stopSweeper()

	// Webhook dispatch requires the master secret; without it the
	// subscription endpoints 404 and nothing leaves the process.
	var (
		subs       *webhook.SubscriptionStore
		deliveries *webhook.DeliveryStore
		dispatcher *webhook.Dispatcher
	)
	if cfg.WebhookMasterSecret != "" {
		keyring, err := webhook.NewSecretKeyring([]byte(cfg.WebhookMasterSecret))
		if err != nil {
			return err
		}
		subs = webhook.NewSubscriptionStore(keyring)
		deliveries = webhook.NewDeliveryStore()
		dispatcher = webhook.NewDispatcher(subs, deliveries, webhook.DispatcherConfig{
			Workers:     profile.Webhooks.Workers,
			Timeout:     time.Duration(profile.Webhooks.TimeoutSecs) * time.Second,
			BaseDelay:   time.Duration(profile.Webhooks.BaseDelaySecs) * time.Second,
			MaxDelay:    time.Duration(profile.Webhooks.MaxDelaySecs) * time.Second,
			MaxAttempts: profile.Webhooks.MaxAttempts,
		})
		dispatcher.Start()
		defer dispatcher.Stop()
		stopFanout := journal.Subscribe(ctx, "webhooks", dispatcher.HandleEvent)
		defer stopFanout()
		log.Println("[keeld] webhooks: ready")
	} else {
		log.Println("[keeld] webhooks: disabled (WEBHOOK_MASTER_SECRET not set)")
	}

	if len(cfg.KafkaBrokers) > 0 {
		relay, err := eventbus.NewRelay(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		defer relay.Close()
		stopRelay := journal.Subscribe(ctx, "kafka-relay", relay.Handle)
		defer stopRelay()
		log.Printf("[keeld] kafka relay: %s", cfg.KafkaTopic)
	}

	// The archiver is opt-in: set ARCHIVE_STORAGE_TYPE to enable it.
	if os.Getenv("ARCHIVE_STORAGE_TYPE") != "" {
		blobs, err := archive.NewStoreFromEnv(ctx)
		if err != nil {
			return err
		}
		archiver := archive.NewArchiver(blobs, 0)
		defer func() {
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := archiver.Flush(fctx); err != nil {
				slog.Warn("archive flush", "error", err)
				return
			}
			if len(archiver.Segments()) == 0 {
				return
			}
			hash, err := archiver.WriteManifest(fctx)
			if err != nil {
				slog.Warn("archive manifest", "error", err)
				return
			}
			log.Printf("[keeld] archive manifest: %s", hash)
		}()
		stopArchive := journal.Subscribe(ctx, "archive", archiver.HandleEvent)
		defer stopArchive()
		log.Println("[keeld] archive: ready")
	}

	profiles := api.NewCredentialRegistry()
	for id, o := range profile.Credentials {
		p := api.CredentialProfile{RatePolicy: gate.DefaultPolicy(), Thresholds: thresholds}
		if o.RatePerSecond > 0 {
			p.RatePolicy.PerSecond = o.RatePerSecond
		}
		if o.RateBurst > 0 {
			p.RatePolicy.Burst = o.RateBurst
		}
		if o.ChallengeAt > 0 {
			p.Thresholds.Challenge = o.ChallengeAt
		}
		if o.BlockAt > 0 {
			p.Thresholds.Block = o.BlockAt
		}
		profiles.Set(id, p)
	}

	auth := api.NewAuthenticator([]byte(cfg.JWTSecret))
	if auth == nil {
		log.Println("[keeld] WARNING: JWT_SECRET not set, authenticated routes will reject")
	}

	handler := api.NewHandler(api.HandlerDeps{
		Engine:     engine,
		Methods:    methods,
		Subs:       subs,
		Deliveries: deliveries,
		Dispatcher: dispatcher,
		Profiles:   profiles,
	})
	router := api.NewRouter(handler, api.RouterConfig{Auth: auth, Limiter: limiter})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[keeld] listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("[keeld] %s received, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}
	return nil
}
