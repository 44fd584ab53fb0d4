package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the extractor processes.
type Config struct {
	Server      ServerConfig                `yaml:"server"`
	Engine      EngineConfig                `yaml:"engine"`
	Catalog     CatalogConfig               `yaml:"catalog"`
	Credentials map[string]CredentialConfig `yaml:"credentials"`
	Storage     StorageConfig               `yaml:"storage"`
	Snowflake   SnowflakeConfig             `yaml:"snowflake"`
	Redis       RedisConfig                 `yaml:"redis"`
	Database    DatabaseConfig              `yaml:"database"`
	Logging     LoggingConfig               `yaml:"logging"`
	Schedules   []ScheduleConfig            `yaml:"schedules"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// GetHost returns the bind host, preferring the HOST env var.
func (c ServerConfig) GetHost() string {
	if h := os.Getenv("HOST"); h != "" {
		return h
	}
	return c.Host
}

// EngineConfig tunes token handling, HTTP calls and the retry policy.
type EngineConfig struct {
	TokenSafetyMarginSeconds int     `yaml:"token_safety_margin_seconds"`
	RunTimeoutMinutes        int     `yaml:"run_timeout_minutes"`
	HTTPTimeoutSeconds       int     `yaml:"http_timeout_seconds"`
	BackoffBaseSeconds       float64 `yaml:"backoff_base_seconds"`
	BackoffMultiplier        float64 `yaml:"backoff_multiplier"`
	BackoffMaxSeconds        float64 `yaml:"backoff_max_seconds"`
	MaxAttempts              int     `yaml:"max_attempts"`
	MaxConcurrentRuns        int     `yaml:"max_concurrent_runs"`
}

func (c EngineConfig) TokenSafetyMargin() time.Duration {
	return time.Duration(c.TokenSafetyMarginSeconds) * time.Second
}

func (c EngineConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMinutes) * time.Minute
}

func (c EngineConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

func (c EngineConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds * float64(time.Second))
}

func (c EngineConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds * float64(time.Second))
}

// CatalogConfig points at the report catalog document.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// CredentialConfig holds one retailer's OAuth2 client credentials.
type CredentialConfig struct {
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	RefreshToken  string `yaml:"refresh_token"`
	Region        string `yaml:"region"`
	MarketplaceID string `yaml:"marketplace_id"`
	// AWS keys are only needed for retailers that sign requests with SigV4.
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`
}

// StorageConfig selects the CSV sink.
type StorageConfig struct {
	Type         string `yaml:"type"` // "local" or "s3"
	LocalPath    string `yaml:"local_path"`
	S3Bucket     string `yaml:"s3_bucket"`
	S3Region     string `yaml:"s3_region"`
	AWSProfile   string `yaml:"aws_profile"`
	PathTemplate string `yaml:"path_template"`
}

// GetAWSProfile returns the AWS profile, preferring the AWS_PROFILE env var.
func (c StorageConfig) GetAWSProfile() string {
	if p := os.Getenv("AWS_PROFILE"); p != "" {
		return p
	}
	return c.AWSProfile
}

// SnowflakeConfig holds connection settings for the Snowflake loader.
type SnowflakeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Warehouse string `yaml:"warehouse"`
	Role      string `yaml:"role"`
}

// RedisConfig enables the shared token cache and distributed locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig holds the Postgres job repository connection.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	RedactSecrets bool   `yaml:"redact_secrets"`
}

// ScheduleConfig describes one recurring extraction run by the worker.
type ScheduleConfig struct {
	Name            string            `yaml:"name"`
	Retailer        string            `yaml:"retailer"`
	ReportType      string            `yaml:"report_type"`
	CountryCode     string            `yaml:"country_code"`
	LookbackDays    int               `yaml:"lookback_days"`
	IntervalMinutes int               `yaml:"interval_minutes"`
	Params          map[string]string `yaml:"params"`
}

func (s ScheduleConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// Load reads a YAML config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML config and applies defaults. Empty input yields the
// default configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Engine.TokenSafetyMarginSeconds == 0 {
		cfg.Engine.TokenSafetyMarginSeconds = 60
	}
	if cfg.Engine.RunTimeoutMinutes == 0 {
		cfg.Engine.RunTimeoutMinutes = 60
	}
	if cfg.Engine.HTTPTimeoutSeconds == 0 {
		cfg.Engine.HTTPTimeoutSeconds = 60
	}
	if cfg.Engine.BackoffBaseSeconds == 0 {
		cfg.Engine.BackoffBaseSeconds = 2
	}
	if cfg.Engine.BackoffMultiplier == 0 {
		cfg.Engine.BackoffMultiplier = 2
	}
	if cfg.Engine.BackoffMaxSeconds == 0 {
		cfg.Engine.BackoffMaxSeconds = 60
	}
	if cfg.Engine.MaxAttempts == 0 {
		cfg.Engine.MaxAttempts = 5
	}
	if cfg.Engine.MaxConcurrentRuns == 0 {
		cfg.Engine.MaxConcurrentRuns = 4
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = "config/catalog.yaml"
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "local"
	}
	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./data"
	}
	if cfg.Storage.S3Region == "" {
		cfg.Storage.S3Region = "us-east-1"
	}
	if cfg.Storage.PathTemplate == "" {
		cfg.Storage.PathTemplate = "{report_type}/{country_code}/{year}/{month}/{day}"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	for i := range cfg.Schedules {
		if cfg.Schedules[i].LookbackDays == 0 {
			cfg.Schedules[i].LookbackDays = 1
		}
		if cfg.Schedules[i].IntervalMinutes == 0 {
			cfg.Schedules[i].IntervalMinutes = 24 * 60
		}
	}
	if cfg.Credentials == nil {
		cfg.Credentials = map[string]CredentialConfig{}
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is loaded first if present, so secrets can live there locally
// and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// LoadOptional is LoadFromEnv for processes that can run on defaults: a
// missing file is not an error.
func LoadOptional(path string) (*Config, error) {
	cfg, err := LoadFromEnv(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Parse(nil)
		if err == nil {
			applyEnv(cfg)
		}
	}
	return cfg, err
}

func applyEnv(cfg *Config) {
	// Per-retailer secrets: AMAZON_ADS_CLIENT_ID, AMAZON_ADS_CLIENT_SECRET, ...
	for retailer, cred := range cfg.Credentials {
		prefix := EnvPrefix(retailer)
		if v := os.Getenv(prefix + "_CLIENT_ID"); v != "" {
			cred.ClientID = v
		}
		if v := os.Getenv(prefix + "_CLIENT_SECRET"); v != "" {
			cred.ClientSecret = v
		}
		if v := os.Getenv(prefix + "_REFRESH_TOKEN"); v != "" {
			cred.RefreshToken = v
		}
		cfg.Credentials[retailer] = cred
	}

	if v := os.Getenv("CATALOG_PATH"); v != "" {
		cfg.Catalog.Path = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
		cfg.Storage.Type = "s3"
	}
	if v := os.Getenv("SNOWFLAKE_ACCOUNT"); v != "" {
		cfg.Snowflake.Account = v
	}
	if v := os.Getenv("SNOWFLAKE_USER"); v != "" {
		cfg.Snowflake.User = v
	}
	if v := os.Getenv("SNOWFLAKE_PASSWORD"); v != "" {
		cfg.Snowflake.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// EnvPrefix turns a retailer name into its environment variable prefix.
// "amazon_ads" -> "AMAZON_ADS", "amazon-vendor" -> "AMAZON_VENDOR".
func EnvPrefix(retailer string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(retailer))
}
