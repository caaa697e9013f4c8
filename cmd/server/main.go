package main

import (
	"context"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	fiscalapp "github.com/erp/verifactu/internal/application/fiscal"
	"github.com/erp/verifactu/internal/domain/fiscal"
	"github.com/erp/verifactu/internal/infrastructure/authority"
	"github.com/erp/verifactu/internal/infrastructure/cache"
	"github.com/erp/verifactu/internal/infrastructure/config"
	"github.com/erp/verifactu/internal/infrastructure/fiscaldoc"
	"github.com/erp/verifactu/internal/infrastructure/logger"
	"github.com/erp/verifactu/internal/infrastructure/migration"
	"github.com/erp/verifactu/internal/infrastructure/persistence"
	"github.com/erp/verifactu/internal/infrastructure/storage"
	"github.com/erp/verifactu/internal/infrastructure/telemetry"
	"github.com/erp/verifactu/internal/interfaces/http/handler"
	"github.com/erp/verifactu/internal/interfaces/http/middleware"
	"github.com/erp/verifactu/internal/interfaces/http/router"
	"github.com/erp/verifactu/migrations"
)

//	@title			Fiscal Ledger API
//	@version		1.0
//	@description	Chains invoice records per issuing entity and delivers them to the tax authority.

//	@host		localhost:8080
//	@BasePath	/api/v1

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configFile := flag.String("config", "", "configuration file; defaults to config.toml in . or /etc/verifactu")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configFile)
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	logCfg := logger.ConfigForEnvironment(cfg.App.Env)
	if cfg.Log.Level != "" {
		logCfg.Level = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		logCfg.Format = cfg.Log.Format
	}
	if cfg.Log.Output != "" {
		logCfg.Output = cfg.Log.Output
	}
	logCfg.Service = cfg.App.Name
	log, err := logger.New(logCfg)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting fiscal ledger",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	tracer, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		Environment:       cfg.App.Env,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	systemHandler := handler.NewSystemHandler(cfg.App.Name, version)

	// Metrics
	fiscalMetrics := telemetry.NewPrometheusFiscalMetrics(cfg.Metrics.Namespace)

	// Ledger storage
	ledger, closeLedger, err := openLedger(cfg, log, systemHandler, fiscalMetrics.Registry())
	if err != nil {
		log.Fatal("Failed to open ledger", zap.Error(err))
	}
	defer closeLedger()

	var httpMetrics *middleware.HTTPMetrics
	if cfg.Metrics.Enabled {
		httpMetrics, err = middleware.NewHTTPMetrics(fiscalMetrics.Registry(), cfg.Metrics.Namespace)
		if err != nil {
			log.Fatal("Failed to register HTTP metrics", zap.Error(err))
		}
	}

	// Authority gateway
	gateway, provider, err := newAuthorityGateway(cfg, log)
	if err != nil {
		log.Fatal("Failed to create authority gateway", zap.Error(err))
	}
	go reloadCredentialsOnHangup(ctx, cfg, provider, gateway, log)

	// Entity lock
	locker, closeLocker, err := cache.NewLockerFactory(cfg.Redis,
		cache.WithFactoryLogger(log),
		cache.WithInMemoryFallback(cfg.App.Env != "production"),
	).CreateLocker()
	if err != nil {
		log.Fatal("Failed to create entity locker", zap.Error(err))
	}
	defer func() {
		if err := closeLocker(); err != nil {
			log.Error("Error closing entity locker", zap.Error(err))
		}
	}()

	coordOpts := []fiscalapp.Option{
		fiscalapp.WithLogger(log),
		fiscalapp.WithEntityLocker(locker),
		fiscalapp.WithMetrics(fiscalMetrics),
	}

	if cfg.Coordinator.SchemaFile != "" {
		schema, err := fiscaldoc.LoadSchemaFile(cfg.Coordinator.SchemaFile)
		if err != nil {
			log.Fatal("Failed to load document schema", zap.Error(err))
		}
		coordOpts = append(coordOpts, fiscalapp.WithSchema(schema))
		log.Info("Validating documents against custom schema", zap.String("path", cfg.Coordinator.SchemaFile))
	}

	// Document archive
	if cfg.Archive.Enabled {
		archive, err := storage.NewS3DocumentArchive(&cfg.Archive, storage.WithLogger(log))
		if err != nil {
			log.Fatal("Failed to create document archive", zap.Error(err))
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			log.Fatal("Failed to prepare archive bucket", zap.Error(err))
		}
		coordOpts = append(coordOpts, fiscalapp.WithArchive(archive))
		log.Info("Archiving documents to S3", zap.String("bucket", archive.Bucket()))
	}

	// Coordinator
	coord := fiscalapp.NewCoordinator(fiscalapp.Config{
		Workers:           cfg.Coordinator.Workers,
		QueueCapacity:     cfg.Coordinator.QueueCapacity,
		MaxAttempts:       cfg.Coordinator.MaxAttempts,
		Backoff:           fiscal.Backoff{Base: cfg.Coordinator.BaseBackoff, Max: cfg.Coordinator.MaxBackoff},
		PollInterval:      cfg.Coordinator.PollInterval,
		MaxPolls:          cfg.Coordinator.MaxPolls,
		CallTimeout:       cfg.Coordinator.CallTimeout,
		LockTimeout:       cfg.Coordinator.LockTimeout,
		RecoveryInterval:  cfg.Coordinator.RecoveryInterval,
		RecoveryBatchSize: cfg.Coordinator.RecoveryBatchSize,
		ValidateDocuments: cfg.Coordinator.ValidateDocuments,
	}, ledger, gateway, nil, coordOpts...)
	if err := coord.Start(context.Background()); err != nil {
		log.Fatal("Failed to start coordinator", zap.Error(err))
	}
	if n, err := coord.Recover(ctx); err != nil {
		log.Error("Initial recovery failed", zap.Error(err))
	} else if n > 0 {
		log.Info("Resumed persisted batches", zap.Int("batches", n))
	}

	// HTTP
	gin.SetMode(gin.ReleaseMode)
	if cfg.App.Env == "development" {
		gin.SetMode(gin.DebugMode)
	}
	engine, err := router.NewEngine(router.EngineConfig{
		Logger:         log,
		ServiceName:    cfg.Telemetry.ServiceName,
		TracingEnabled: cfg.Telemetry.Enabled,
		MaxBodySize:    cfg.HTTP.MaxBodySize,
		TrustedProxies: cfg.HTTP.TrustedProxies,
		Metrics:        httpMetrics,
	})
	if err != nil {
		log.Fatal("Failed to create HTTP engine", zap.Error(err))
	}
	if cfg.Metrics.Enabled {
		engine.GET(cfg.Metrics.Path, gin.WrapH(fiscalMetrics.Handler()))
	}

	var submitMiddleware []gin.HandlerFunc
	if cfg.HTTP.RateLimitRPS > 0 {
		limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst)
		submitMiddleware = append(submitMiddleware, middleware.RateLimitByEntity(limiter))
		go sweepRateLimiter(ctx, limiter, log)
	}

	routes := router.NewRouter(engine).
		Register(handler.NewFiscalHandler(coord, submitMiddleware...)).
		Register(systemHandler).
		Setup()
	for _, r := range routes {
		log.Debug("Route", zap.String("method", r.Method), zap.String("path", r.Path))
	}
	log.Info("Routes registered", zap.Int("count", len(routes)))

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   max(cfg.HTTP.WriteTimeout, handler.MaxWait+5*time.Second),
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := coord.Stop(shutdownCtx); err != nil {
		log.Error("Coordinator did not stop cleanly", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

// openLedger returns the configured ledger and registers its health check.
// Postgres schemas are migrated on startup.
func openLedger(cfg *config.Config, log *zap.Logger, system *handler.SystemHandler, reg prometheus.Registerer) (fiscal.Ledger, func(), error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("Using in-memory ledger; chain state is lost on restart")
		return persistence.NewMemoryLedger(), func() {}, nil
	}

	db, err := persistence.NewDatabase(&cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}
	log.Info("Database connected successfully")

	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfig{
		Enabled:          cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		IncludeVariables: cfg.Telemetry.DBLogFullSQL,
	}, log); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("register database tracing: %w", err)
	}

	if err := migrateLedger(db, log); err != nil {
		closeDB()
		return nil, nil, err
	}

	collector, err := db.StatsCollector(cfg.Database.DBName)
	if err == nil {
		err = reg.Register(collector)
	}
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("register connection pool metrics: %w", err)
	}

	system.AddCheck("database", db.Ping)
	return persistence.NewGormLedger(db.DB), closeDB, nil
}

func migrateLedger(db *persistence.Database, log *zap.Logger) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	m, err := migration.New(sqlDB, migrations.FS, log)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	// Closing the migrator would close the shared *sql.DB
	if err := m.Up(); err != nil {
		if errors.Is(err, migration.ErrDirtySchema) {
			log.Error("Ledger schema is dirty; repair it and run the migrate force command before restarting")
		}
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

// newAuthorityGateway loads every configured entity's client certificate
func newAuthorityGateway(cfg *config.Config, log *zap.Logger) (*authority.Gateway, *authority.StaticCredentialProvider, error) {
	provider := authority.NewStaticCredentialProvider()
	for _, e := range cfg.Entities {
		creds, err := loadCredentials(e)
		if err != nil {
			return nil, nil, fmt.Errorf("entity %s: %w", e.TaxID, err)
		}
		provider.Register(e.TaxID, creds)
	}
	log.Info("Loaded entity credentials", zap.Int("entities", len(cfg.Entities)))

	authCfg := authority.DefaultConfig()
	authCfg.Environment = authority.Environment(cfg.Authority.Environment)
	authCfg.Endpoint = cfg.Authority.Endpoint
	authCfg.Timeout = cfg.Authority.Timeout
	authCfg.RequestsPerSecond = cfg.Authority.RequestsPerSecond
	authCfg.Burst = cfg.Authority.Burst

	var opts []authority.ClientOption
	if cfg.Authority.RootCAFile != "" {
		pem, err := os.ReadFile(cfg.Authority.RootCAFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read root CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, nil, fmt.Errorf("root CA file %s holds no certificates", cfg.Authority.RootCAFile)
		}
		opts = append(opts, authority.WithRootCAs(pool))
	}
	gateway, err := authority.NewGateway(authCfg, provider, log, opts...)
	if err != nil {
		return nil, nil, err
	}
	return gateway, provider, nil
}

// reloadCredentialsOnHangup re-reads entity certificates on SIGHUP so a
// rotated certificate is picked up without a restart. An entity whose files
// fail to load keeps its previous credentials.
func reloadCredentialsOnHangup(ctx context.Context, cfg *config.Config, provider *authority.StaticCredentialProvider, gateway *authority.Gateway, log *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			reloaded := 0
			for _, e := range cfg.Entities {
				creds, err := loadCredentials(e)
				if err != nil {
					log.Error("Failed to reload entity credentials", zap.String("entity_id", e.TaxID), zap.Error(err))
					continue
				}
				provider.Register(e.TaxID, creds)
				gateway.Invalidate(e.TaxID)
				reloaded++
			}
			log.Info("Reloaded entity credentials", zap.Int("reloaded", reloaded), zap.Int("entities", len(cfg.Entities)))
		}
	}
}

func loadCredentials(e config.EntityConfig) (*authority.Credentials, error) {
	if e.PKCS12File != "" {
		return authority.CredentialsFromPKCS12File(e.PKCS12File, e.Passphrase, e.Username, e.Password)
	}
	certPEM, err := os.ReadFile(e.CertFile)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(e.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return authority.CredentialsFromPEM(certPEM, keyPEM, e.Username, e.Password)
}

func sweepRateLimiter(ctx context.Context, limiter *middleware.RateLimiter, log *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Sweep(); n > 0 {
				log.Debug("Dropped idle rate limit buckets", zap.Int("count", n))
			}
		}
	}
}
