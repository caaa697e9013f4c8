package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. VERIFACTU_DATABASE_PASSWORD
const EnvPrefix = "VERIFACTU"

// Config holds all application configuration
type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Log         LogConfig
	HTTP        HTTPConfig
	Authority   AuthorityConfig
	Entities    []EntityConfig
	Coordinator CoordinatorConfig
	Archive     ArchiveConfig
	Metrics     MetricsConfig
	Telemetry   TelemetryConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings. Driver "memory" keeps
// the ledger in process and is refused in production.
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
	LogLevel        string
	// SlowQueryMS is the slow statement warning threshold; negative disables it
	SlowQueryMS int
	LogSQL      bool
}

// RedisConfig holds Redis connection settings. The entity lock is only taken
// through Redis when Enabled.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	LockTTL  time.Duration
	// KeyPrefix namespaces lock keys when several deployments share a Redis
	KeyPrefix string
	// LockRetryInterval is how often a blocked lock acquisition retries
	LockRetryInterval time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodySize    int64
	TrustedProxies []string
	// RateLimitRPS limits task submissions per entity; zero disables it
	RateLimitRPS   float64
	RateLimitBurst int
}

// AuthorityConfig holds the tax authority connection settings
type AuthorityConfig struct {
	Environment       string // production, sandbox
	Endpoint          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	RootCAFile        string
}

// EntityConfig declares one issuing entity and where its client certificate
// lives. Either PKCS12File or CertFile and KeyFile must be set.
type EntityConfig struct {
	TaxID      string `mapstructure:"tax_id"`
	PKCS12File string `mapstructure:"pkcs12_file"`
	Passphrase string `mapstructure:"passphrase"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
}

// CoordinatorConfig holds the retry/status coordinator settings
type CoordinatorConfig struct {
	Workers           int
	QueueCapacity     int
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	PollInterval      time.Duration
	MaxPolls          int
	CallTimeout       time.Duration
	LockTimeout       time.Duration
	RecoveryInterval  time.Duration
	RecoveryBatchSize int
	ValidateDocuments bool
	SchemaFile        string // replaces the embedded document schema when set
}

// ArchiveConfig holds the S3 document archive settings
type ArchiveConfig struct {
	Enabled         bool
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // S3-compatible endpoint, empty for AWS
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool
	Namespace string
	Path      string
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
	DBTraceEnabled    bool
	DBLogFullSQL      bool
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with VERIFACTU_ prefix
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/verifactu")
	return load(v)
}

// LoadFile loads configuration from an explicit file path
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			LogLevel:        v.GetString("database.log_level"),
			SlowQueryMS:     v.GetInt("database.slow_query_ms"),
			LogSQL:          v.GetBool("database.log_sql"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			LockTTL:  v.GetDuration("redis.lock_ttl"),

			KeyPrefix:         v.GetString("redis.key_prefix"),
			LockRetryInterval: v.GetDuration("redis.lock_retry_interval"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
			MaxBodySize:    v.GetInt64("http.max_body_size"),
			TrustedProxies: v.GetStringSlice("http.trusted_proxies"),
			RateLimitRPS:   v.GetFloat64("http.rate_limit_rps"),
			RateLimitBurst: v.GetInt("http.rate_limit_burst"),
		},
		Authority: AuthorityConfig{
			Environment:       v.GetString("authority.environment"),
			Endpoint:          v.GetString("authority.endpoint"),
			Timeout:           v.GetDuration("authority.timeout"),
			RequestsPerSecond: v.GetFloat64("authority.requests_per_second"),
			Burst:             v.GetInt("authority.burst"),
			RootCAFile:        v.GetString("authority.root_ca_file"),
		},
		Coordinator: CoordinatorConfig{
			Workers:           v.GetInt("coordinator.workers"),
			QueueCapacity:     v.GetInt("coordinator.queue_capacity"),
			MaxAttempts:       v.GetInt("coordinator.max_attempts"),
			BaseBackoff:       v.GetDuration("coordinator.base_backoff"),
			MaxBackoff:        v.GetDuration("coordinator.max_backoff"),
			PollInterval:      v.GetDuration("coordinator.poll_interval"),
			MaxPolls:          v.GetInt("coordinator.max_polls"),
			CallTimeout:       v.GetDuration("coordinator.call_timeout"),
			LockTimeout:       v.GetDuration("coordinator.lock_timeout"),
			RecoveryInterval:  v.GetDuration("coordinator.recovery_interval"),
			RecoveryBatchSize: v.GetInt("coordinator.recovery_batch_size"),
			ValidateDocuments: !v.IsSet("coordinator.validate_documents") || v.GetBool("coordinator.validate_documents"),
			SchemaFile:        v.GetString("coordinator.schema_file"),
		},
		Archive: ArchiveConfig{
			Enabled:         v.GetBool("archive.enabled"),
			Bucket:          v.GetString("archive.bucket"),
			Prefix:          v.GetString("archive.prefix"),
			Region:          v.GetString("archive.region"),
			Endpoint:        v.GetString("archive.endpoint"),
			UsePathStyle:    v.GetBool("archive.use_path_style"),
			AccessKeyID:     v.GetString("archive.access_key_id"),
			SecretAccessKey: v.GetString("archive.secret_access_key"),
		},
		Metrics: MetricsConfig{
			Enabled:   !v.IsSet("metrics.enabled") || v.GetBool("metrics.enabled"),
			Namespace: v.GetString("metrics.namespace"),
			Path:      v.GetString("metrics.path"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
		},
	}
	if err := v.UnmarshalKey("entities", &cfg.Entities); err != nil {
		return nil, fmt.Errorf("error reading entities: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "verifactu"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "verifactu"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}
	if cfg.Database.SlowQueryMS == 0 {
		cfg.Database.SlowQueryMS = 200
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 4 << 20
	}
	if cfg.HTTP.RateLimitRPS > 0 && cfg.HTTP.RateLimitBurst == 0 {
		cfg.HTTP.RateLimitBurst = max(1, int(cfg.HTTP.RateLimitRPS))
	}
	if cfg.Authority.Environment == "" {
		cfg.Authority.Environment = "sandbox"
	}
	if cfg.Authority.Timeout == 0 {
		cfg.Authority.Timeout = 30 * time.Second
	}
	if cfg.Authority.RequestsPerSecond == 0 {
		cfg.Authority.RequestsPerSecond = 5
	}
	if cfg.Authority.Burst == 0 {
		cfg.Authority.Burst = 5
	}
	if cfg.Coordinator.Workers == 0 {
		cfg.Coordinator.Workers = 4
	}
	if cfg.Coordinator.QueueCapacity == 0 {
		cfg.Coordinator.QueueCapacity = 1000
	}
	if cfg.Coordinator.MaxAttempts == 0 {
		cfg.Coordinator.MaxAttempts = 5
	}
	if cfg.Coordinator.BaseBackoff == 0 {
		cfg.Coordinator.BaseBackoff = 2 * time.Second
	}
	if cfg.Coordinator.MaxBackoff == 0 {
		cfg.Coordinator.MaxBackoff = 5 * time.Minute
	}
	if cfg.Coordinator.PollInterval == 0 {
		cfg.Coordinator.PollInterval = 30 * time.Second
	}
	if cfg.Coordinator.MaxPolls == 0 {
		cfg.Coordinator.MaxPolls = 20
	}
	if cfg.Coordinator.CallTimeout == 0 {
		cfg.Coordinator.CallTimeout = 60 * time.Second
	}
	if cfg.Coordinator.LockTimeout == 0 {
		cfg.Coordinator.LockTimeout = 30 * time.Second
	}
	if cfg.Coordinator.RecoveryInterval == 0 {
		cfg.Coordinator.RecoveryInterval = time.Minute
	}
	if cfg.Coordinator.RecoveryBatchSize == 0 {
		cfg.Coordinator.RecoveryBatchSize = 100
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "fiscal"
	}
	if cfg.Archive.Region == "" {
		cfg.Archive.Region = "eu-south-2"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "verifactu"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	switch c.Authority.Environment {
	case "production", "sandbox":
	default:
		return fmt.Errorf("authority.environment must be production or sandbox, got %q", c.Authority.Environment)
	}
	if c.Coordinator.Workers < 0 || c.Coordinator.MaxAttempts < 0 || c.Coordinator.MaxPolls < 0 {
		return fmt.Errorf("coordinator workers, max_attempts and max_polls cannot be negative")
	}
	if c.HTTP.RateLimitRPS < 0 || c.HTTP.RateLimitBurst < 0 {
		return fmt.Errorf("http.rate_limit_rps and http.rate_limit_burst cannot be negative")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive.enabled is true")
	}
	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	seen := make(map[string]bool, len(c.Entities))
	for i, e := range c.Entities {
		if e.TaxID == "" {
			return fmt.Errorf("entities[%d].tax_id is required", i)
		}
		if seen[e.TaxID] {
			return fmt.Errorf("entities[%d].tax_id %s is declared twice", i, e.TaxID)
		}
		seen[e.TaxID] = true
		if e.PKCS12File == "" && (e.CertFile == "" || e.KeyFile == "") {
			return fmt.Errorf("entities[%d] needs pkcs12_file or cert_file and key_file", i)
		}
	}

	if c.App.Env == "production" {
		if c.Database.Driver == "memory" {
			return fmt.Errorf("database.driver cannot be 'memory' in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
		if c.Authority.Environment != "production" {
			return fmt.Errorf("authority.environment must be 'production' when app.env is production")
		}
	}
	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns the Redis host:port address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
