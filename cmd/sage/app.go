package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sage/config"
	"github.com/Ramsey-B/sage/pkg/database"
	"github.com/Ramsey-B/sage/pkg/expressions"
	"github.com/Ramsey-B/sage/pkg/httpclient"
	"github.com/Ramsey-B/sage/pkg/kafka"
	"github.com/Ramsey-B/sage/pkg/metricstore"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/oauth"
	"github.com/Ramsey-B/sage/pkg/orchestrator"
	"github.com/Ramsey-B/sage/pkg/redis"
	"github.com/Ramsey-B/sage/pkg/repositories"
	"github.com/Ramsey-B/sage/pkg/source"
	"github.com/Ramsey-B/sage/pkg/source/quickbooks"
	"github.com/Ramsey-B/sage/pkg/startup"
	"github.com/Ramsey-B/sage/pkg/vault"
)

const shutdownTimeout = 30 * time.Second

// app holds the started infrastructure and the domain graph built on it.
type app struct {
	cfg    *config.Config
	logger ectologger.Logger
	st     *startup.Startup

	db    database.DB
	redis *redis.Client

	orchestrator *orchestrator.Orchestrator
	connector    *orchestrator.Connector
	metrics      *metricstore.Store
	credentials  *repositories.CredentialRepository
	streams      *redis.Streams
	locker       orchestrator.Locker
	events       *kafka.Producer
}

func newApp(cfg *config.Config, logger ectologger.Logger) *app {
	return &app{
		cfg:    cfg,
		logger: logger,
		st:     startup.NewStartup(logger, cfg.StartupMaxAttempts),
	}
}

// addDatabase registers the connection and schema migrations.
func (a *app) addDatabase() {
	cfg := a.cfg
	a.st.AddDependency(&startup.Func{
		Name: "database",
		StartFunc: func(ctx context.Context) error {
			db, err := database.Connect(ctx, database.Config{
				Driver:          cfg.DatabaseDriver,
				Host:            cfg.DatabaseHost,
				Port:            cfg.DatabasePort,
				User:            cfg.DatabaseUserName,
				Password:        cfg.DatabasePassword,
				Name:            cfg.DatabaseName,
				SSLMode:         cfg.DatabaseSSLMode,
				MaxOpenConns:    cfg.DatabaseMaxOpenConns,
				MaxIdleConns:    cfg.DatabaseMaxIdleConns,
				ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
			}, a.logger)
			if err != nil {
				return err
			}
			a.db = db
			return nil
		},
		StopFunc: func(context.Context) error {
			return a.db.DBX().Close()
		},
	})
	a.st.AddDependency(&startup.Func{
		Name:    "migrations",
		Parents: []string{"database"},
		StartFunc: func(context.Context) error {
			migrations := database.NewMigrationService(a.logger, &database.MigrationConfig{
				MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
				Version:             uint(cfg.DatabaseMigrationVersion),
				Force:               cfg.DatabaseMigrationForce,
				AutoRollback:        cfg.DatabaseMigrationAutoRollback,
			})
			return migrations.Migrate(cfg.DatabaseName, a.db)
		},
	})
}

func (a *app) addRedis() {
	cfg := a.cfg
	a.st.AddDependency(&startup.Func{
		Name: "redis",
		StartFunc: func(ctx context.Context) error {
			client, err := redis.NewClient(ctx, redis.Config{
				Host:     cfg.RedisHost,
				Port:     cfg.RedisPort,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			}, a.logger)
			if err != nil {
				return err
			}
			a.redis = client
			return nil
		},
		StopFunc: func(context.Context) error {
			return a.redis.Close()
		},
	})
}

// stop stops every started dependency in reverse order.
func (a *app) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = a.st.Stop(ctx)
}

// metricStore is the store over the started database; it needs no redis.
func (a *app) metricStore() *metricstore.Store {
	if a.metrics == nil {
		a.metrics = metricstore.NewStore(repositories.NewMetricRepository(a.db, a.logger), a.logger)
	}
	return a.metrics
}

// wire builds the domain graph on top of the started database and redis.
func (a *app) wire() error {
	cfg, logger := a.cfg, a.logger

	cipher, err := vault.NewCipher(vault.KeyConfig{Key: cfg.EncryptionKey, Secret: cfg.EncryptionSecret})
	if err != nil {
		return fmt.Errorf("failed to create credential cipher: %w", err)
	}
	v := vault.New(cipher)

	a.credentials = repositories.NewCredentialRepository(a.db, logger)
	apps := repositories.NewAppCredentialRepository(a.db, logger)
	jobs := repositories.NewSyncJobRepository(a.db, logger)

	resolver := vault.NewResolver(apps, cipher, map[string]models.OAuthApp{
		models.SourceQuickBooks: {
			ClientID:     cfg.QuickBooksClientID,
			ClientSecret: cfg.QuickBooksClientSecret,
			RedirectURI:  cfg.QuickBooksRedirectURI,
			Environment:  cfg.QuickBooksEnvironment,
		},
	}, logger)

	httpConfig := httpclient.DefaultConfig()
	httpConfig.Timeout = cfg.SyncRequestTimeout
	httpClient := httpclient.NewClient(httpConfig, logger)
	oauthClient := oauth.NewClient(httpClient.HTTPClient(), logger, oauth.QuickBooks)

	qb := quickbooks.NewClient(httpClient, expressions.NewEvaluator(), logger)
	mappers := source.NewRegistry(quickbooks.NewMapper(qb, oauth.QuickBooks, logger))

	a.streams = redis.NewStreams(a.redis)
	a.locker = orchestrator.NewRedisLocker(redis.NewLocker(a.redis, "sage:lock"))

	deps := orchestrator.Dependencies{
		Credentials: a.credentials,
		Jobs:        jobs,
		Metrics:     a.metricStore(),
		Vault:       v,
		Apps:        resolver,
		Tokens:      oauthClient,
		Mappers:     mappers,
		Locker:      a.locker,
		Publisher:   orchestrator.NewStreamPublisher(a.streams, cfg.RedisStreamsJobQueue),
	}
	if kafkaConfig := kafka.ParseConfig(cfg.KafkaBrokers, cfg.KafkaSyncEventsTopic); len(kafkaConfig.Brokers) > 0 {
		a.events = kafka.NewProducer(kafkaConfig, logger)
		deps.Events = a.events
		a.st.AddDependency(&startup.Func{
			Name:     "kafka",
			StopFunc: func(context.Context) error { return a.events.Close() },
		})
	}

	a.orchestrator = orchestrator.New(deps, orchestrator.Config{
		MaxRetries:        cfg.SyncMaxRetries,
		RetryInitialDelay: cfg.SyncRetryInitialDelay,
		RetryMaxDelay:     cfg.SyncRetryMaxDelay,
		LockTTL:           cfg.SyncLockTTL,
		RefreshSkew:       cfg.SyncTokenRefreshSkew,
		InitialMonths:     cfg.SyncInitialMonths,
		IncrementalMonths: cfg.SyncIncrementalMonths,
	}, logger)

	a.connector = orchestrator.NewConnector(
		a.orchestrator,
		a.credentials,
		apps,
		resolver,
		v,
		vault.NewStateIssuer(cipher),
		oauthClient,
		cfg.OAuthStateMaxAge,
		logger,
	)
	return nil
}
