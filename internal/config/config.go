package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting for the certification session service.
type Config struct {
	Environment string

	Server     ServerConfig
	Logging    LoggingConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Clickhouse ClickhouseConfig
	KMS        KMSConfig
	Identity   IdentityConfig
	Catastro   CatastroConfig
	Session    SessionConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	AuditTopic string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// IdentityConfig points at the upstream identity provider.
type IdentityConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// CatastroConfig points at the upstream cadastral API. The retry budgets
// differ per operation family: certificate generation tolerates a much
// longer backoff window than property lookups.
type CatastroConfig struct {
	BaseURL          string
	RequestTimeout   time.Duration
	LookupMaxRetries int
	LookupMaxBackoff time.Duration
	CountMaxRetries  int
	CountMaxBackoff  time.Duration
	CertMaxRetries   int
	CertMaxBackoff   time.Duration
	InitialBackoff   time.Duration
}

// SessionConfig governs the per-citizen session record.
type SessionConfig struct {
	TTL              time.Duration
	RefreshThreshold time.Duration
	MaxOTPAttempts   int
	MaxSelections    int
}

var global *Config

// LoadConfig reads configuration from the environment, honouring a local
// .env file when present, and stores the result as the process-wide config.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: GetEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
			Domain:       GetEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:      GetEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  GetEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:        GetEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  GetEnv("LOG_LEVEL", "info"),
			Format: GetEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      GetEnv("REDIS_URL", "redis://localhost:6379"),
			Password: GetEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Kafka: KafkaConfig{
			Enabled:    getEnvBool("KAFKA_ENABLED", false),
			Brokers:    strings.Split(GetEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			AuditTopic: GetEnv("KAFKA_AUDIT_TOPIC", "certification-audit"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      GetEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Username: GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: GetEnv("CLICKHOUSE_PASSWORD", ""),
			Database: GetEnv("CLICKHOUSE_DATABASE", "certification"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   GetEnv("KMS_KEY_ID", ""),
			Region:  GetEnv("AWS_REGION", "us-east-1"),
		},
		Identity: IdentityConfig{
			BaseURL:        GetEnv("IDENTITY_BASE_URL", "http://localhost:3400/catia-auth"),
			RequestTimeout: getEnvDuration("IDENTITY_REQUEST_TIMEOUT", 10*time.Second),
			MaxRetries:     getEnvInt("IDENTITY_MAX_RETRIES", 10),
			InitialBackoff: getEnvDuration("IDENTITY_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     getEnvDuration("IDENTITY_MAX_BACKOFF", 60*time.Second),
		},
		Catastro: CatastroConfig{
			BaseURL:          GetEnv("CATASTRO_BASE_URL", "http://localhost:3400/catia-auth"),
			RequestTimeout:   getEnvDuration("CATASTRO_REQUEST_TIMEOUT", 10*time.Second),
			LookupMaxRetries: getEnvInt("CATASTRO_LOOKUP_MAX_RETRIES", 3),
			LookupMaxBackoff: getEnvDuration("CATASTRO_LOOKUP_MAX_BACKOFF", 8*time.Second),
			CountMaxRetries:  getEnvInt("CATASTRO_COUNT_MAX_RETRIES", 5),
			CountMaxBackoff:  getEnvDuration("CATASTRO_COUNT_MAX_BACKOFF", 8*time.Second),
			CertMaxRetries:   getEnvInt("CATASTRO_CERT_MAX_RETRIES", 10),
			CertMaxBackoff:   getEnvDuration("CATASTRO_CERT_MAX_BACKOFF", 60*time.Second),
			InitialBackoff:   getEnvDuration("CATASTRO_INITIAL_BACKOFF", time.Second),
		},
		Session: SessionConfig{
			TTL:              getEnvDuration("SESSION_TTL", 10*time.Minute),
			RefreshThreshold: getEnvDuration("SESSION_REFRESH_THRESHOLD", 2*time.Second),
			MaxOTPAttempts:   getEnvInt("SESSION_MAX_OTP_ATTEMPTS", 3),
			MaxSelections:    getEnvInt("SESSION_MAX_SELECTIONS", 3),
		},
	}

	global = cfg
	return cfg
}

// Get returns the process-wide config. LoadConfig must run first.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// GetEnv reads a string env var with a fallback.
func GetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
