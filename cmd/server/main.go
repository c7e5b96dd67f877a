package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/fuomag9/oauth-vault/internal/api"
	"github.com/fuomag9/oauth-vault/internal/audit"
	"github.com/fuomag9/oauth-vault/internal/config"
	"github.com/fuomag9/oauth-vault/internal/database"
	"github.com/fuomag9/oauth-vault/internal/jobs"
	"github.com/fuomag9/oauth-vault/internal/lock"
	"github.com/fuomag9/oauth-vault/internal/metrics"
	"github.com/fuomag9/oauth-vault/internal/migration"
	"github.com/fuomag9/oauth-vault/internal/netguard"
	"github.com/fuomag9/oauth-vault/internal/oauth"
	"github.com/fuomag9/oauth-vault/internal/secret"
	"github.com/fuomag9/oauth-vault/internal/vault"
)

func main() {
	logger := newLogger(os.Getenv("ENVIRONMENT"), os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger = newLogger(cfg.Environment, cfg.LogLevel)
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
	logger.Info("server exited")
}

func newLogger(env, level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if env == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cipher, err := vault.NewCipher(cfg.Vault.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize vault cipher: %w", err)
	}

	var db *gorm.DB
	if cfg.NeedsDatabase() {
		if err := database.RunMigrations(ctx, cfg.Database, database.DefaultMigrationsURL, logger); err != nil {
			return err
		}
		db, err = database.Connect(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("failed to get database connection: %w", err)
		}
		defer sqlDB.Close()
	}

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	guard := netguard.New(cfg.OutboundAllowPrivate)
	if err := validateOutbound(guard, cfg); err != nil {
		return err
	}
	outbound := guard.HTTPClient(cfg.OAuth.ExchangeTimeout)

	store := newSecretStore(cfg, db, cipher, logger)

	refreshGuard, err := lock.New(cfg.RefreshLock, redisCmdable(rdb), 2*cfg.OAuth.ExchangeTimeout, logger)
	if err != nil {
		return err
	}

	nonces, noncePurger := newNonceStore(cfg, db, rdb, logger)

	collector := metrics.New()
	auditor := newAuditor(cfg, db, outbound, logger)

	var legacy migration.Source
	if cfg.LegacyCredentialsEnabled {
		legacy = migration.NewGormSource(db, cipher)
	}
	strategy := migration.NewStrategy(store, legacy, cfg.LegacyCredentialsEnabled, logger)

	registry := oauth.NewRegistry(oauth.WithTestProvider(cfg.OAuth.TestProviderURL))
	resolver, err := newResolver(ctx, cfg, outbound, logger)
	if err != nil {
		return err
	}

	exchanger := oauth.NewExchangeClient(
		oauth.WithHTTPClient(outbound),
		oauth.WithExchangeTimeout(cfg.OAuth.ExchangeTimeout),
		oauth.WithExchangeRecorder(collector),
		oauth.WithExchangeLogger(logger),
	)
	manager := oauth.NewManager(registry, exchanger, store,
		oauth.WithResolver(resolver),
		oauth.WithNonceStore(nonces),
		oauth.WithGuard(refreshGuard),
		oauth.WithStrategy(strategy),
		oauth.WithAuditor(auditor),
		oauth.WithRecorder(collector),
		oauth.WithLogger(logger),
		oauth.WithStateTTL(cfg.OAuth.StateTTL),
	)

	schedulerOpts := []jobs.Option{
		jobs.WithRotation(jobs.NewRotationSweep(store, manager, cfg.Jobs.BatchSize, logger)),
		jobs.WithJobRecorder(collector),
	}
	if cfg.LegacyCredentialsEnabled {
		schedulerOpts = append(schedulerOpts, jobs.WithMigration(jobs.NewMigrationSweep(strategy, manager, cfg.Jobs.BatchSize, logger)))
	}
	if db != nil {
		schedulerOpts = append(schedulerOpts, jobs.WithAuditRetention(audit.NewGormSink(db)))
	}
	if noncePurger != nil {
		schedulerOpts = append(schedulerOpts, jobs.WithNoncePurge(noncePurger))
	}
	scheduler := jobs.NewScheduler(jobs.Schedules{
		Rotation:           cfg.Jobs.RotationSchedule,
		Migration:          cfg.Jobs.MigrationSchedule,
		Retention:          cfg.Jobs.RetentionSchedule,
		AuditRetentionDays: cfg.Jobs.AuditRetentionDays,
	}, logger, schedulerOpts...)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start job scheduler: %w", err)
	}

	limiter := api.NewRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	go cleanupLimiter(ctx, limiter)

	router := api.NewRouter(cfg, api.Deps{
		Manager:     manager,
		Metrics:     collector,
		Ping:        healthCheck(db, rdb),
		RateLimiter: limiter,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("vault_backend", cfg.Vault.Backend),
			zap.String("refresh_lock", cfg.RefreshLock),
			zap.String("nonce_store", cfg.NonceStore),
			zap.Strings("providers", registry.Names()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	scheduler.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := auditor.Close(shutdownCtx); err != nil {
		logger.Warn("audit records not flushed before shutdown", zap.Error(err))
	}
	return nil
}

func newSecretStore(cfg *config.Config, db *gorm.DB, cipher vault.Cipher, logger *zap.Logger) secret.Store {
	if cfg.Vault.Backend == "memory" {
		logger.Warn("using in-memory vault; secrets are lost on restart")
		return vault.NewMemoryStore(cipher)
	}
	return vault.NewGormStore(db, cipher, logger)
}

func newNonceStore(cfg *config.Config, db *gorm.DB, rdb *redis.Client, logger *zap.Logger) (oauth.NonceStore, jobs.NoncePurger) {
	switch cfg.NonceStore {
	case "redis":
		return oauth.NewRedisNonceStore(rdb), nil
	case "postgres":
		g := oauth.NewGormNonceStore(db, logger)
		return g, g
	}
	return oauth.NewMemoryNonceStore(), nil
}

func newAuditor(cfg *config.Config, db *gorm.DB, client *http.Client, logger *zap.Logger) *audit.Dispatcher {
	sinks := []audit.Sink{audit.NewLogSink(logger)}
	if db != nil {
		sinks = append(sinks, audit.NewGormSink(db))
	}
	if cfg.AuditWebhookURL != "" {
		headers := map[string]string{}
		if cfg.AuditWebhookToken != "" {
			headers["Authorization"] = "Bearer " + cfg.AuditWebhookToken
		}
		sinks = append(sinks, audit.NewWebhookSink(cfg.AuditWebhookURL, headers, client))
	}
	return audit.NewDispatcher(logger, sinks)
}

// newResolver builds client registrations from configuration. The generic
// provider's endpoints come from OIDC discovery when an issuer is set.
func newResolver(ctx context.Context, cfg *config.Config, client *http.Client, logger *zap.Logger) (oauth.StaticResolver, error) {
	resolver := oauth.StaticResolver{}
	for provider, reg := range cfg.OAuth.Clients {
		resolver[provider] = oauth.ClientConfig{
			Provider:         provider,
			ClientID:         reg.ClientID,
			ClientSecret:     reg.ClientSecret,
			RedirectURI:      cfg.OAuth.RedirectURI,
			Scope:            reg.Scope,
			AuthorizationURL: reg.AuthorizationURL,
			TokenURL:         reg.TokenURL,
		}
	}

	generic, ok := resolver[oauth.ProviderGeneric]
	if !ok || cfg.OAuth.GenericIssuer == "" {
		return resolver, nil
	}
	discoverCtx, cancel := context.WithTimeout(ctx, cfg.OAuth.ExchangeTimeout)
	defer cancel()
	doc, err := oauth.Discover(discoverCtx, client, cfg.OAuth.GenericIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover generic provider: %w", err)
	}
	resolver[oauth.ProviderGeneric] = doc.Apply(generic)
	logger.Info("discovered generic provider",
		zap.String("issuer", doc.Issuer),
		zap.String("token_endpoint", doc.TokenEndpoint))
	return resolver, nil
}

// validateOutbound rejects configured endpoints the outbound guard would refuse.
func validateOutbound(guard *netguard.Guard, cfg *config.Config) error {
	urls := map[string]string{
		"OAUTH_GENERIC_ISSUER":    cfg.OAuth.GenericIssuer,
		"OAUTH_TEST_PROVIDER_URL": cfg.OAuth.TestProviderURL,
		"AUDIT_WEBHOOK_URL":       cfg.AuditWebhookURL,
	}
	for provider, reg := range cfg.OAuth.Clients {
		key := "OAUTH_" + strings.ToUpper(provider)
		urls[key+"_AUTH_URL"] = reg.AuthorizationURL
		urls[key+"_TOKEN_URL"] = reg.TokenURL
	}
	for key, u := range urls {
		if u == "" {
			continue
		}
		if err := guard.ValidateURL(u); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func redisCmdable(rdb *redis.Client) redis.Cmdable {
	if rdb == nil {
		return nil
	}
	return rdb
}

func healthCheck(db *gorm.DB, rdb *redis.Client) api.Pinger {
	return func(ctx context.Context) error {
		if db != nil {
			if err := database.Ping(ctx, db); err != nil {
				return err
			}
		}
		if rdb != nil {
			return rdb.Ping(ctx).Err()
		}
		return nil
	}
}

func cleanupLimiter(ctx context.Context, limiter *api.RateLimiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Cleanup()
		}
	}
}
