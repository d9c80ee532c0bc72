package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Valkey    ValkeyConfig    `mapstructure:"valkey"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
	Proximity ProximityConfig `mapstructure:"proximity"`
}

type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
	// Encoding of published payloads: "json" or "protobuf".
	Encoding string `mapstructure:"encoding"`
	// Subscribe consumes reference and target inputs from the broker.
	Subscribe bool `mapstructure:"subscribe"`
}

type ValkeyConfig struct {
	Addr      string `mapstructure:"addr"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TTL       int    `mapstructure:"ttl_seconds"`
}

type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	TempoAddr   string `mapstructure:"tempo_addr"`
	Enabled     bool   `mapstructure:"enabled"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProximityConfig tunes the proximity engine and its default histogram.
type ProximityConfig struct {
	ChunkSize             int     `mapstructure:"chunk_size"`
	AzimuthBucketWidthDeg float64 `mapstructure:"azimuth_bucket_width_deg"`
	DistanceBucketCount   int     `mapstructure:"distance_bucket_count"`
	IDField               string  `mapstructure:"id_field"`
	MaxRadiusMeters       float64 `mapstructure:"max_radius_meters"`
	TargetsTable          string  `mapstructure:"targets_table"`
	Layer                 string  `mapstructure:"layer"`
	SyncIntervalSeconds   int     `mapstructure:"sync_interval_seconds"`
	// SyncOverlapSeconds re-reads rows this far behind the sync watermark so
	// rows committed late by concurrent writers are not skipped.
	SyncOverlapSeconds int `mapstructure:"sync_overlap_seconds"`
}

// Load reads configuration from file and environment variables.
func Load(service string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 10)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "proximity")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "proximity")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.encoding", "json")
	v.SetDefault("nats.subscribe", true)
	v.SetDefault("valkey.addr", "localhost:6379")
	v.SetDefault("valkey.key_prefix", "")
	v.SetDefault("valkey.ttl_seconds", 3600)
	v.SetDefault("telemetry.service_name", service)
	v.SetDefault("telemetry.tempo_addr", "tempo:4317")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("proximity.chunk_size", 1000)
	v.SetDefault("proximity.azimuth_bucket_width_deg", 45)
	v.SetDefault("proximity.distance_bucket_count", 5)
	v.SetDefault("proximity.id_field", "OBJECTID")
	v.SetDefault("proximity.max_radius_meters", 0)
	v.SetDefault("proximity.targets_table", "proximity_targets")
	v.SetDefault("proximity.layer", "default")
	v.SetDefault("proximity.sync_interval_seconds", 30)
	v.SetDefault("proximity.sync_overlap_seconds", 120)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	_ = v.ReadInConfig() // OK if missing

	// Environment variables: PROXIMITY_DATABASE_HOST → database.host
	v.SetEnvPrefix("PROXIMITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that required configuration fields are present and sane.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Database.Host == "" {
		errs = append(errs, "database.host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", c.Database.Port))
	}
	if c.Database.User == "" {
		errs = append(errs, "database.user is required")
	}
	if c.Database.DBName == "" {
		errs = append(errs, "database.dbname is required")
	}
	if c.NATS.URL == "" {
		errs = append(errs, "nats.url is required")
	}
	if c.Valkey.Addr == "" {
		errs = append(errs, "valkey.addr is required")
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, "server.read_timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, "server.write_timeout must be positive")
	}
	if c.NATS.Encoding != "json" && c.NATS.Encoding != "protobuf" {
		errs = append(errs, fmt.Sprintf("nats.encoding must be json or protobuf, got %q", c.NATS.Encoding))
	}
	if c.Proximity.ChunkSize <= 0 {
		errs = append(errs, "proximity.chunk_size must be positive")
	}
	if c.Proximity.AzimuthBucketWidthDeg <= 0 || c.Proximity.AzimuthBucketWidthDeg > 360 {
		errs = append(errs, fmt.Sprintf("proximity.azimuth_bucket_width_deg must be in (0, 360], got %v", c.Proximity.AzimuthBucketWidthDeg))
	}
	if c.Proximity.DistanceBucketCount <= 0 {
		errs = append(errs, "proximity.distance_bucket_count must be positive")
	}
	if c.Proximity.IDField == "" {
		errs = append(errs, "proximity.id_field is required")
	}
	if c.Proximity.MaxRadiusMeters < 0 {
		errs = append(errs, "proximity.max_radius_meters must not be negative")
	}
	if c.Proximity.SyncIntervalSeconds < 0 {
		errs = append(errs, "proximity.sync_interval_seconds must not be negative")
	}
	if c.Proximity.SyncOverlapSeconds < 0 {
		errs = append(errs, "proximity.sync_overlap_seconds must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
