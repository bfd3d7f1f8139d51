// Package config loads the service configuration from YAML with TRIALRAND_*
// environment overrides and watches the file for policy changes.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"trialrand/internal/randomization/models"
	"trialrand/pkg/platform/tracing"
)

// EnvPrefix is prepended to every environment override, e.g.
// TRIALRAND_SERVER_ADDR or TRIALRAND_STORE_BACKEND.
const EnvPrefix = "TRIALRAND"

// DevSigningKey is the published default token key. Anyone can mint tokens
// with it, so nothing that issues or accepts tokens may run on it.
const DevSigningKey = "dev-secret-key-change-in-production"

// MinSigningKeyLen is the shortest accepted HS256 key, in bytes.
const MinSigningKeyLen = 32

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Store   StoreConfig    `mapstructure:"store" yaml:"store"`
	Redis   RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Sites   SitesConfig    `mapstructure:"sites" yaml:"sites"`
	Audit   AuditConfig    `mapstructure:"audit" yaml:"audit"`
	S3      S3Config       `mapstructure:"s3" yaml:"s3"`
	Tracing tracing.Config `mapstructure:"tracing" yaml:"tracing"`
	Health  HealthConfig   `mapstructure:"health" yaml:"health"`
	Schemes []SchemeConfig `mapstructure:"schemes" yaml:"schemes"`
}

// ServerConfig captures HTTP server level configuration.
type ServerConfig struct {
	Addr          string `mapstructure:"addr" yaml:"addr"`
	JWTSigningKey string `mapstructure:"jwt_signing_key" yaml:"jwt_signing_key"`
	JWTIssuer     string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience   string `mapstructure:"jwt_audience" yaml:"jwt_audience"`
}

// ValidateSigningKey rejects a token key that is unset, published or short.
// Loading does not require it; serving and issuing tokens do.
func (s ServerConfig) ValidateSigningKey() error {
	switch {
	case s.JWTSigningKey == "":
		return fmt.Errorf("server.jwt_signing_key is required")
	case s.JWTSigningKey == DevSigningKey:
		return fmt.Errorf("server.jwt_signing_key is the published development default; set a secret (config init generates one)")
	case len(s.JWTSigningKey) < MinSigningKeyLen:
		return fmt.Errorf("server.jwt_signing_key must be at least %d bytes", MinSigningKeyLen)
	}
	return nil
}

// GenerateSigningKey returns a random hex-encoded token key.
func GenerateSigningKey() (string, error) {
	b := make([]byte, MinSigningKeyLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate signing key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendStatic   = "static"
	BackendKafka    = "kafka"
	BackendNone     = "none"
	// BackendDatabase writes audit events into the list database.
	BackendDatabase = "database"
)

type StoreConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	// PostgresDriver is "postgres" (lib/pq) or "pgx".
	PostgresDriver string `mapstructure:"postgres_driver" yaml:"postgres_driver"`
	PostgresDSN    string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	SQLitePath     string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// RedisConfig is shared by the Redis list store and the Redis site directory.
type RedisConfig struct {
	URL          string        `mapstructure:"url" yaml:"url"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// SiteConfig maps a site name to the identifier recorded on claims.
type SiteConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	ID   string `mapstructure:"id" yaml:"id"`
}

type SitesConfig struct {
	Backend  string        `mapstructure:"backend" yaml:"backend"`
	RedisKey string        `mapstructure:"redis_key" yaml:"redis_key"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	Static   []SiteConfig  `mapstructure:"static" yaml:"static"`
}

type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers" yaml:"brokers"`
	Topic             string   `mapstructure:"topic" yaml:"topic"`
	Partitions        int32    `mapstructure:"partitions" yaml:"partitions"`
	ReplicationFactor int16    `mapstructure:"replication_factor" yaml:"replication_factor"`
}

type AuditConfig struct {
	Sink        string      `mapstructure:"sink" yaml:"sink"`
	AsyncBuffer int         `mapstructure:"async_buffer" yaml:"async_buffer"`
	Kafka       KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

type S3Config struct {
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	PathStyle       bool   `mapstructure:"path_style" yaml:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
}

type HealthConfig struct {
	SecureDir   string        `mapstructure:"secure_dir" yaml:"secure_dir"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
}

// ArmConfig declares one assignment. Lists are used instead of maps
// because viper lowercases map keys.
type ArmConfig struct {
	Assignment  string `mapstructure:"assignment" yaml:"assignment"`
	Description string `mapstructure:"description" yaml:"description"`
	Ratio       int    `mapstructure:"ratio" yaml:"ratio"`
}

type SiteRowsConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	Rows int    `mapstructure:"rows" yaml:"rows"`
}

type ColumnsConfig struct {
	SiteName        string `mapstructure:"site_name" yaml:"site_name,omitempty"`
	SequenceID      string `mapstructure:"sequence_id" yaml:"sequence_id,omitempty"`
	Assignment      string `mapstructure:"assignment" yaml:"assignment,omitempty"`
	AllocationValue string `mapstructure:"allocation_value" yaml:"allocation_value,omitempty"`
}

type SchemeConfig struct {
	Name            string           `mapstructure:"name" yaml:"name"`
	Source          string           `mapstructure:"source" yaml:"source"`
	Digest          string           `mapstructure:"digest" yaml:"digest,omitempty"`
	Arms            []ArmConfig      `mapstructure:"arms" yaml:"arms,omitempty"`
	Total           int              `mapstructure:"total" yaml:"total,omitempty"`
	Sites           []SiteRowsConfig `mapstructure:"sites" yaml:"sites,omitempty"`
	Strict          bool             `mapstructure:"strict" yaml:"strict"`
	SkipPathChecks  bool             `mapstructure:"skip_path_checks" yaml:"skip_path_checks,omitempty"`
	MaxClaimRetries int              `mapstructure:"max_claim_retries" yaml:"max_claim_retries,omitempty"`
	Columns         ColumnsConfig    `mapstructure:"columns" yaml:"columns,omitempty"`
}

// Policy returns the hot-reloadable part of the scheme.
func (s SchemeConfig) Policy() models.Policy {
	return models.Policy{Strict: s.Strict, SkipPathChecks: s.SkipPathChecks}
}

// Scheme converts the declaration into a validated models.Scheme.
func (s SchemeConfig) Scheme() (models.Scheme, error) {
	scheme := models.Scheme{
		Name:            s.Name,
		Source:          s.Source,
		Digest:          strings.ToLower(s.Digest),
		Policy:          s.Policy(),
		MaxClaimRetries: s.MaxClaimRetries,
		Distribution:    models.Distribution{Total: s.Total},
		Columns: models.Columns{
			SiteName:        s.Columns.SiteName,
			SequenceID:      s.Columns.SequenceID,
			Assignment:      s.Columns.Assignment,
			AllocationValue: s.Columns.AllocationValue,
		},
	}
	if scheme.Columns != (models.Columns{}) {
		defaults := models.DefaultColumns()
		scheme.Columns.SiteName = fallback(scheme.Columns.SiteName, defaults.SiteName)
		scheme.Columns.SequenceID = fallback(scheme.Columns.SequenceID, defaults.SequenceID)
		scheme.Columns.Assignment = fallback(scheme.Columns.Assignment, defaults.Assignment)
		scheme.Columns.AllocationValue = fallback(scheme.Columns.AllocationValue, defaults.AllocationValue)
	}
	for _, arm := range s.Arms {
		a := models.Assignment(arm.Assignment)
		scheme.Assignments = append(scheme.Assignments, a)
		if arm.Description != "" {
			if scheme.Descriptions == nil {
				scheme.Descriptions = make(map[models.Assignment]string)
			}
			scheme.Descriptions[a] = arm.Description
		}
		if arm.Ratio > 0 {
			if scheme.Distribution.Ratios == nil {
				scheme.Distribution.Ratios = make(map[models.Assignment]int)
			}
			scheme.Distribution.Ratios[a] = arm.Ratio
		}
	}
	for _, site := range s.Sites {
		if scheme.Distribution.Sites == nil {
			scheme.Distribution.Sites = make(map[string]int)
		}
		scheme.Distribution.Sites[site.Name] = site.Rows
	}
	scheme = scheme.WithDefaults()
	if err := scheme.Validate(); err != nil {
		return models.Scheme{}, err
	}
	return scheme, nil
}

func fallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// StaticSites returns the configured site directory as name -> id.
func (c *Config) StaticSites() map[string]string {
	out := make(map[string]string, len(c.Sites.Static))
	for _, s := range c.Sites.Static {
		out[s.Name] = s.ID
	}
	return out
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres backend")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}
	switch c.Sites.Backend {
	case BackendStatic, BackendRedis:
	default:
		return fmt.Errorf("unsupported sites backend %q", c.Sites.Backend)
	}
	switch c.Audit.Sink {
	case BackendMemory, BackendNone:
	case BackendDatabase:
		if c.Store.Backend != BackendPostgres && c.Store.Backend != BackendSQLite {
			return fmt.Errorf("the database audit sink needs a postgres or sqlite store")
		}
	case BackendKafka:
		if len(c.Audit.Kafka.Brokers) == 0 {
			return fmt.Errorf("audit.kafka.brokers is required for the kafka sink")
		}
	default:
		return fmt.Errorf("unsupported audit sink %q", c.Audit.Sink)
	}
	if (c.Store.Backend == BackendRedis || c.Sites.Backend == BackendRedis) && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when a redis backend is selected")
	}
	seen := make(map[string]bool, len(c.Schemes))
	for i, s := range c.Schemes {
		if s.Name == "" {
			return fmt.Errorf("schemes[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("scheme %s is declared twice", s.Name)
		}
		seen[s.Name] = true
		if _, err := s.Scheme(); err != nil {
			return err
		}
	}
	return nil
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:          ":8080",
			JWTSigningKey: DevSigningKey,
			JWTIssuer:     "trialrand",
			JWTAudience:   "trialrand-api",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Store:   StoreConfig{Backend: BackendMemory, PostgresDriver: "postgres"},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Sites: SitesConfig{Backend: BackendStatic, RedisKey: "trialrand:sites", CacheTTL: time.Minute},
		Audit: AuditConfig{
			Sink:        BackendMemory,
			AsyncBuffer: 256,
			Kafka:       KafkaConfig{Topic: "trialrand.audit", Partitions: 1, ReplicationFactor: 1},
		},
		S3:      S3Config{Region: "us-east-1"},
		Tracing: tracing.Config{Exporter: "stdout", SampleRate: 1.0, ServiceName: "trialrand"},
		Health:  HealthConfig{Interval: 15 * time.Minute, Concurrency: 4},
	}
}

// setDefaults registers every scalar key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.jwt_signing_key", d.Server.JWTSigningKey)
	v.SetDefault("server.jwt_issuer", d.Server.JWTIssuer)
	v.SetDefault("server.jwt_audience", d.Server.JWTAudience)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.postgres_driver", d.Store.PostgresDriver)
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", d.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", d.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", d.Redis.WriteTimeout)
	v.SetDefault("sites.backend", d.Sites.Backend)
	v.SetDefault("sites.redis_key", d.Sites.RedisKey)
	v.SetDefault("sites.cache_ttl", d.Sites.CacheTTL)
	v.SetDefault("audit.sink", d.Audit.Sink)
	v.SetDefault("audit.async_buffer", d.Audit.AsyncBuffer)
	v.SetDefault("audit.kafka.brokers", []string{})
	v.SetDefault("audit.kafka.topic", d.Audit.Kafka.Topic)
	v.SetDefault("audit.kafka.partitions", d.Audit.Kafka.Partitions)
	v.SetDefault("audit.kafka.replication_factor", d.Audit.Kafka.ReplicationFactor)
	v.SetDefault("s3.region", d.S3.Region)
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.path_style", false)
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", "")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("health.secure_dir", "")
	v.SetDefault("health.interval", d.Health.Interval)
	v.SetDefault("health.concurrency", d.Health.Concurrency)
}

// Loader owns the viper instance so the file can be watched after loading.
type Loader struct {
	v *viper.Viper
}

// NewLoader reads path (optional) and environment overrides.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return &Loader{v: v}, nil
}

// Load decodes and validates the current configuration.
func (l *Loader) Load() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// File returns the config file in use, or "".
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Load is NewLoader(path).Load().
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Load()
}
