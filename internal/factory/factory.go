package factory

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"

	"parishhub-auth/internal/audit"
	"parishhub-auth/internal/capability"
	"parishhub-auth/internal/client"
	"parishhub-auth/internal/config"
	"parishhub-auth/internal/encryption"
	"parishhub-auth/internal/gate"
	"parishhub-auth/internal/hashing"
	"parishhub-auth/internal/recovery"
	"parishhub-auth/internal/repository/postgres"
	redisrepo "parishhub-auth/internal/repository/redis"
	"parishhub-auth/internal/service"
	"parishhub-auth/internal/tls"
	"parishhub-auth/internal/token"
	"parishhub-auth/internal/totp"
	"parishhub-auth/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	db               *sql.DB
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	totpManager       *totp.Manager
	tokenIssuer       *token.Issuer
	resolver          *capability.Resolver
	machine           *recovery.Machine
	recorder          *audit.Recorder

	// Repositories and services
	accountRepository postgres.AccountRepository
	settingsRepo      postgres.SettingsRepository
	authService       *service.AuthService
	settingsService   *service.SettingsService
	accessGate        *gate.Gate

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Postgres holds the accounts, so a failure here is always fatal
	db, err := postgres.Open(ctx, f.config.Database)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	f.db = db
	util.Info("Postgres connection initialized and healthy")

	// Redis
	if redisClient, err := client.NewRedisClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = chClient
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
			} else {
				util.Info("ClickHouse client initialized and healthy")
			}
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if esClient, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = esClient
			if err := f.esClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		cli, err := encryption.NewKMSClient(context.Background(), f.config)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		kmsClient = cli
	}
	f.encryptionManager = encryption.NewManager(f.config, kmsClient)

	f.totpManager = totp.NewManager(
		f.config.Auth.TOTPPeriod,
		f.config.Auth.TOTPDigits,
		f.config.Auth.TOTPSkew,
		f.config.Auth.Issuer,
	)
	f.tokenIssuer = token.NewIssuer([]byte(f.config.Auth.JWTSecret), f.config.Auth.Issuer, time.Now)
	f.resolver = capability.NewResolver(f.config.Capability)
	f.machine = recovery.NewMachine(f.config.Auth.RecoveryOTPTTL)
	f.recorder = audit.NewRecorder(f.kafkaProducer, f.clickhouseClient, f.esClient)

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("audit_initialized", f.recorder != nil),
	)
	return nil
}

func (f *Factory) AccountRepository() postgres.AccountRepository {
	if f.accountRepository == nil {
		f.accountRepository = postgres.NewAccountRepository(f.db)
	}
	return f.accountRepository
}

func (f *Factory) SettingsRepository() postgres.SettingsRepository {
	if f.settingsRepo == nil {
		f.settingsRepo = postgres.NewSettingsRepository(f.db)
	}
	return f.settingsRepo
}

func (f *Factory) AuthService() *service.AuthService {
	if f.authService == nil {
		f.authService = service.NewAuthService(
			f.AccountRepository(),
			f.hasher,
			f.totpManager,
			f.tokenIssuer,
			f.resolver,
			f.machine,
			f.encryptionManager,
			f.rateLimitCache(),
			f.recorder,
			f.SettingsService(),
			f.config,
		)
	}
	return f.authService
}

func (f *Factory) SettingsService() *service.SettingsService {
	if f.settingsService == nil {
		f.settingsService = service.NewSettingsService(
			f.SettingsRepository(),
			f.flagCache(),
			f.config,
		)
	}
	return f.settingsService
}

func (f *Factory) Gate() *gate.Gate {
	if f.accessGate == nil {
		f.accessGate = gate.New(f.AuthService(), f.SettingsService(), f.config.Auth.AllowedClients)
	}
	return f.accessGate
}

func (f *Factory) rateLimitCache() *redisrepo.RateLimitCache {
	if f.redisClient == nil {
		return nil
	}
	return redisrepo.NewRateLimitCache(f.redisClient)
}

func (f *Factory) flagCache() *redisrepo.FlagCache {
	if f.redisClient == nil {
		return nil
	}
	return redisrepo.NewFlagCache(f.redisClient)
}

// HealthCheck reports per-dependency health. Kafka is advisory.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.db != nil {
		if err := f.db.PingContext(ctx); err != nil {
			healthErrors["postgres"] = err
		}
	} else {
		healthErrors["postgres"] = fmt.Errorf("postgres not initialized")
	}

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.db != nil {
			if err := f.db.Close(); err != nil {
				util.Error("Failed to close Postgres connection", util.ErrorField(err))
			} else {
				util.Info("Postgres connection closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
