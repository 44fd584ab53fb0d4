// Package app wires configuration into a ready-to-use extraction engine
// for the server, worker and CLI processes.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/ecomm-report-extractor/internal/auth"
	"github.com/ignite/ecomm-report-extractor/internal/catalog"
	"github.com/ignite/ecomm-report-extractor/internal/config"
	"github.com/ignite/ecomm-report-extractor/internal/credentials"
	"github.com/ignite/ecomm-report-extractor/internal/datanorm"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
	"github.com/ignite/ecomm-report-extractor/internal/engine"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/distlock"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/httpretry"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/logger"
	"github.com/ignite/ecomm-report-extractor/internal/repository/postgres"
	"github.com/ignite/ecomm-report-extractor/internal/snowflake"
	"github.com/ignite/ecomm-report-extractor/internal/storage"
)

// refreshLockTTL bounds how long one process may hold a retailer's token
// refresh lock.
const refreshLockTTL = 30 * time.Second

// App holds the long-lived dependencies of a process.
type App struct {
	Config       *config.Config
	Catalog      *catalog.Catalog
	Credentials  *credentials.Store
	Tokens       *auth.TokenManager
	Orchestrator *engine.Orchestrator
	Storage      *storage.Storage

	// Optional backends; nil when not configured.
	DB        *sql.DB
	Jobs      *postgres.JobRepo
	Redis     *redis.Client
	Snowflake *snowflake.Client
}

// Options adjust wiring for a single process.
type Options struct {
	// Credentials are layered over the configured ones, e.g. from CLI flags.
	Credentials []domain.Credential
	// SkipDatabase leaves the job store out even when DATABASE_URL is set.
	SkipDatabase bool
	// SkipSnowflake leaves the Snowflake loader out.
	SkipSnowflake bool
}

// New builds an App. Optional backends that fail to connect are logged
// and left out, except the database, which a configured process needs for
// resume and scheduling.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactSecrets(cfg.Logging.RedactSecrets)

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	creds := credentials.FromConfig(cfg.Credentials)
	for _, c := range opts.Credentials {
		creds = creds.With(c)
	}

	a := &App{Config: cfg, Catalog: cat, Credentials: creds}

	if cfg.Redis.Addr != "" {
		a.Redis = connectRedis(ctx, cfg.Redis)
	}

	if cfg.Database.URL != "" && !opts.SkipDatabase {
		db, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.DB = db
		a.Jobs = postgres.NewJobRepo(db)
	}

	a.Storage, err = storage.New(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}

	if !opts.SkipSnowflake {
		a.Snowflake = connectSnowflake(cfg.Snowflake)
	}

	httpClient := &http.Client{Timeout: cfg.Engine.HTTPTimeout()}
	a.Tokens = a.tokenManager(httpClient)
	client := engine.NewClient(httpClient, creds)
	a.Orchestrator = engine.NewOrchestrator(cat, a.Tokens, client, datanorm.NewNormalizer(), a.engineOptions(ctx)...)
	return a, nil
}

func (a *App) tokenManager(httpClient *http.Client) *auth.TokenManager {
	opts := []auth.Option{auth.WithSafetyMargin(a.Config.Engine.TokenSafetyMargin())}
	if a.Redis != nil {
		rdb, db := a.Redis, a.DB
		locks := func(retailer string) distlock.DistLock {
			return distlock.NewLock(rdb, db, distlock.TokenRefreshKey(retailer), refreshLockTTL)
		}
		opts = append(opts, auth.WithSharedCache(auth.NewRedisTokenCache(rdb), locks, 0))
	}
	return auth.NewTokenManager(a.Credentials, a.Catalog, auth.NewOAuth2Exchanger(httpClient), opts...)
}

func (a *App) engineOptions(ctx context.Context) []engine.Option {
	ec := a.Config.Engine
	opts := []engine.Option{
		engine.WithRetryPolicy(httpretry.Policy{
			BaseDelay:   ec.BackoffBase(),
			MaxDelay:    ec.BackoffMax(),
			Multiplier:  ec.BackoffMultiplier,
			MaxAttempts: ec.MaxAttempts,
		}),
		engine.WithRunTimeout(ec.RunTimeout()),
	}

	sinks := []engine.Sink{a.Storage}
	if a.Snowflake != nil {
		sinks = append(sinks, snowflake.NewLoader(a.Snowflake))
	}
	opts = append(opts, engine.WithSinks(sinks...))

	if a.Jobs != nil {
		opts = append(opts, engine.WithJobStore(a.Jobs))
	}

	// s3:// artifacts are read with the result bucket's client, or a
	// default-chain client when results stay on local disk.
	if objects := a.Storage.S3(); objects != nil {
		opts = append(opts, engine.WithObjectGetter(objects))
	} else if objects, err := storage.NewS3Store(ctx, a.Config.Storage.S3Region, a.Config.Storage.GetAWSProfile()); err == nil {
		opts = append(opts, engine.WithObjectGetter(objects))
	} else {
		logger.Warn("app: s3 artifact reads disabled", "error", err.Error())
	}
	return opts
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("app: redis unavailable, tokens stay process-local", "addr", cfg.Addr, "error", err.Error())
		rdb.Close()
		return nil
	}
	logger.Info("app: redis connected", "addr", cfg.Addr)
	return rdb
}

func connectSnowflake(cfg config.SnowflakeConfig) *snowflake.Client {
	if cs := os.Getenv("SNOWFLAKE_CONNECTION_STRING"); cs != "" {
		parsed := snowflake.ParseConnectionString(cs)
		parsed.Warehouse = firstNonEmpty(parsed.Warehouse, cfg.Warehouse)
		parsed.Role = firstNonEmpty(parsed.Role, cfg.Role)
		cfg = parsed
	}
	if !cfg.Enabled {
		return nil
	}
	client, err := snowflake.NewClient(cfg)
	if err != nil {
		logger.Warn("app: snowflake loader disabled", "error", err.Error())
		return nil
	}
	logger.Info("app: snowflake loader enabled", "account", cfg.Account, "database", cfg.Database)
	return client
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Close releases every backend connection.
func (a *App) Close() {
	if a.Snowflake != nil {
		a.Snowflake.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
}
