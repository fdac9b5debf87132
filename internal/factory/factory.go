package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"catia-session/internal/audit"
	"catia-session/internal/catastro"
	"catia-session/internal/client"
	"catia-session/internal/config"
	"catia-session/internal/encryption"
	"catia-session/internal/identity"
	"catia-session/internal/service"
	"catia-session/internal/session"
	"catia-session/internal/tls"
	"catia-session/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client

	// Domain components
	sealer         *encryption.TokenSealer
	store          session.Store
	identityClient *identity.Client
	catastroClient *catastro.Client
	sessionManager *session.Manager
	recorder       *audit.Recorder

	certificateService *service.CertificateService
	propertyService    *service.PropertyService

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewManager(&tls.Config{
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

	factory.initializeDomain()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("clickhouse_enabled", cfg.Clickhouse.Enabled),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes external service clients with health
// checks. Redis is the session store and is required; Kafka, ClickHouse
// and KMS are optional sinks that the service runs without.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Redis
	redisClient, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		if f.config.IsProduction() {
			return fmt.Errorf("redis health check: %w", err)
		}
		util.Warn("Redis health check failed", util.ErrorField(err))
	} else {
		util.Info("Redis client initialized and healthy")
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			util.Warn("ClickHouse initialization failed - proceeding without ClickHouse", util.ErrorField(err))
		} else {
			f.clickhouseClient = chClient
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				util.Warn("ClickHouse health check failed", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client initialized and healthy")
			}
		}
	}

	// KMS
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			util.Warn("KMS initialization failed - tokens will be sealed with a local key", util.ErrorField(err))
		} else {
			f.kmsClient = kms.NewFromConfig(awsCfg)
			util.Info("KMS client initialized", util.String("region", f.config.KMS.Region))
		}
	}

	return nil
}

// initializeDomain wires the session store, upstream clients and services.
func (f *Factory) initializeDomain() {
	f.sealer = encryption.NewTokenSealer(f.config, f.kmsClient)
	f.store = session.NewRedisStore(f.redisClient, f.sealer, f.config.Session)
	f.identityClient = identity.NewClient(f.config.Identity, util.Get())
	f.catastroClient = catastro.NewClient(f.config.Catastro, util.Get())
	f.sessionManager = session.NewManager(f.store, f.identityClient, f.config.Session, util.Get())
	f.recorder = audit.NewRecorder(f.kafkaProducer, f.clickhouseClient, f.config.Kafka.AuditTopic, util.Get())

	f.certificateService = service.NewCertificateService(
		f.sessionManager,
		f.catastroClient,
		f.recorder,
		f.config.Session.MaxSelections,
		util.Get(),
	)
	f.propertyService = service.NewPropertyService(f.sessionManager, f.catastroClient, util.Get())

	util.Info("Domain components initialized",
		util.Bool("token_sealing_kms", f.kmsClient != nil),
		util.Bool("audit_kafka", f.kafkaProducer != nil),
		util.Bool("audit_clickhouse", f.clickhouseClient != nil),
	)
}

// HealthCheck reports per-dependency health. Optional sinks only appear
// when configured.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

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

		if f.sealer != nil {
			f.sealer.ClearCache()
			util.Info("Token sealer cache cleared")
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

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) SessionManager() *session.Manager {
	return f.sessionManager
}

func (f *Factory) CertificateService() *service.CertificateService {
	return f.certificateService
}

func (f *Factory) PropertyService() *service.PropertyService {
	return f.propertyService
}
