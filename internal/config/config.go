// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSqlite   = "sqlite"
)

// Lock drivers.
const (
	LockNone  = "none"
	LockRedis = "redis"
)

// Idempotency drivers.
const (
	IdempotencyMemory = "memory"
	IdempotencyRedis  = "redis"
)

// Trace exporters.
const (
	TracingOTLP   = "otlp"
	TracingStdout = "stdout"
)

// Declarative validator rule kinds.
const (
	RuleRequiredMetadata = "required_metadata"
	RuleMetadataFlag     = "metadata_flag"
	RuleSchema           = "schema"
)

// Rule severities.
const (
	SeverityHard = "hard"
	SeveritySoft = "soft"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Lock          LockConfig          `yaml:"lock"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Validators    ValidatorsConfig    `yaml:"validators"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// DefinitionsConfig describes where to find definition YAML files.
type DefinitionsConfig struct {
	Directories []string      `yaml:"directories"`
	HotReload   bool          `yaml:"hot_reload"`
	Debounce    time.Duration `yaml:"debounce"`
}

// StoreConfig selects and tunes the encounter store.
type StoreConfig struct {
	Driver       string        `yaml:"driver"`
	DSNEnv       string        `yaml:"dsn_env"`
	SqlitePath   string        `yaml:"sqlite_path"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
	Migrate      bool          `yaml:"migrate"`
}

// LockConfig describes the optional cross-process encounter lock.
type LockConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	Prefix  string        `yaml:"prefix"`
	TTL     time.Duration `yaml:"ttl"`
}

// IdempotencyConfig controls Idempotency-Key replay for create and
// transition requests.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// ValidatorsConfig lists validators that run on every transition and the
// declarative rules the daemon registers at startup.
type ValidatorsConfig struct {
	Global []string        `yaml:"global"`
	Rules  []ValidatorRule `yaml:"rules"`
}

// ValidatorRule is one declarative validator. Which fields apply depends on
// Kind.
type ValidatorRule struct {
	ID       string   `yaml:"id"`
	Kind     string   `yaml:"kind"`
	Severity string   `yaml:"severity"`
	ToStates []string `yaml:"to_states"`
	Message  string   `yaml:"message"`

	// required_metadata
	Keys []string `yaml:"keys"`

	// metadata_flag
	Flag string `yaml:"flag"`

	// schema: either inline, or a named component schema in an OpenAPI file.
	Schema     map[string]any `yaml:"schema"`
	SchemaFile string         `yaml:"schema_file"`
	SchemaName string         `yaml:"schema_name"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Actor-Id", "X-Correlation-Id", "Idempotency-Key"},
				MaxAge:         86400,
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
			Debounce:    500 * time.Millisecond,
		},
		Store: StoreConfig{
			Driver:       StoreMemory,
			DSNEnv:       "ENCOUNTERS_DATABASE_URL",
			MaxOpenConns: 8,
			BusyTimeout:  5 * time.Second,
			Migrate:      true,
		},
		Lock: LockConfig{
			Driver:  LockNone,
			AddrEnv: "ENCOUNTERS_REDIS_ADDR",
			Prefix:  "encounters:",
			TTL:     30 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Driver:  IdempotencyMemory,
			AddrEnv: "ENCOUNTERS_REDIS_ADDR",
			TTL:     24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     TracingOTLP,
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	case StoreSqlite:
		if c.Store.SqlitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be one of memory, postgres, sqlite", c.Store.Driver))
	}

	switch c.Lock.Driver {
	case LockNone, "":
	case LockRedis:
		if c.Lock.AddrEnv == "" {
			errs = append(errs, "lock.addr_env is required for the redis driver")
		}
		if c.Lock.TTL <= 0 {
			errs = append(errs, "lock.ttl must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock.driver %q must be one of none, redis", c.Lock.Driver))
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Driver {
		case IdempotencyMemory:
		case IdempotencyRedis:
			if c.Idempotency.AddrEnv == "" {
				errs = append(errs, "idempotency.addr_env is required for the redis driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.driver %q must be one of memory, redis", c.Idempotency.Driver))
		}
		if c.Idempotency.TTL <= 0 {
			errs = append(errs, "idempotency.ttl must be positive")
		}
	}

	errs = append(errs, c.Validators.validate()...)

	if _, err := zapcore.ParseLevel(c.Observability.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("observability.log_level %q is not a valid level", c.Observability.LogLevel))
	}
	if c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Exporter {
		case TracingOTLP, TracingStdout:
		default:
			errs = append(errs, fmt.Sprintf("observability.tracing.exporter %q must be otlp or stdout", c.Observability.Tracing.Exporter))
		}
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		errs = append(errs, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (v ValidatorsConfig) validate() []string {
	var errs []string
	seen := make(map[string]bool, len(v.Rules))

	for i, r := range v.Rules {
		path := fmt.Sprintf("validators.rules[%d]", i)
		if r.ID == "" {
			errs = append(errs, path+".id is required")
		} else if seen[r.ID] {
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", path, r.ID))
		}
		seen[r.ID] = true

		switch r.Severity {
		case "", SeverityHard, SeveritySoft:
		default:
			errs = append(errs, fmt.Sprintf("%s.severity %q must be hard or soft", path, r.Severity))
		}

		switch r.Kind {
		case RuleRequiredMetadata:
			if len(r.Keys) == 0 {
				errs = append(errs, path+".keys must not be empty")
			}
		case RuleMetadataFlag:
			if r.Flag == "" {
				errs = append(errs, path+".flag is required")
			}
		case RuleSchema:
			if r.Schema == nil && r.SchemaFile == "" {
				errs = append(errs, path+" needs schema or schema_file")
			}
			if r.SchemaFile != "" && r.SchemaName == "" {
				errs = append(errs, path+".schema_name is required with schema_file")
			}
		default:
			errs = append(errs, fmt.Sprintf("%s.kind %q must be one of required_metadata, metadata_flag, schema", path, r.Kind))
		}
	}
	return errs
}

// envOverrides holds the settings that may be overridden from ENCOUNTERS_*
// environment variables. Unset variables leave the loaded value alone.
type envOverrides struct {
	Port            int      `env:"ENCOUNTERS_SERVER_PORT"`
	DefinitionDirs  []string `env:"ENCOUNTERS_DEFINITIONS_DIRECTORIES" envSeparator:","`
	HotReload       bool     `env:"ENCOUNTERS_DEFINITIONS_HOT_RELOAD"`
	StoreDriver     string   `env:"ENCOUNTERS_STORE_DRIVER"`
	SqlitePath      string   `env:"ENCOUNTERS_STORE_SQLITE_PATH"`
	LockDriver      string   `env:"ENCOUNTERS_LOCK_DRIVER"`
	LogLevel        string   `env:"ENCOUNTERS_OBSERVABILITY_LOG_LEVEL"`
	TracingEnabled  bool     `env:"ENCOUNTERS_OBSERVABILITY_TRACING_ENABLED"`
	TracingEndpoint string   `env:"ENCOUNTERS_OBSERVABILITY_TRACING_ENDPOINT"`
}

func applyEnvOverrides(cfg *Config) error {
	o := envOverrides{
		Port:            cfg.Server.Port,
		DefinitionDirs:  cfg.Definitions.Directories,
		HotReload:       cfg.Definitions.HotReload,
		StoreDriver:     cfg.Store.Driver,
		SqlitePath:      cfg.Store.SqlitePath,
		LockDriver:      cfg.Lock.Driver,
		LogLevel:        cfg.Observability.LogLevel,
		TracingEnabled:  cfg.Observability.Tracing.Enabled,
		TracingEndpoint: cfg.Observability.Tracing.Endpoint,
	}
	if err := env.Parse(&o); err != nil {
		return err
	}

	cfg.Server.Port = o.Port
	cfg.Definitions.Directories = o.DefinitionDirs
	cfg.Definitions.HotReload = o.HotReload
	cfg.Store.Driver = o.StoreDriver
	cfg.Store.SqlitePath = o.SqlitePath
	cfg.Lock.Driver = o.LockDriver
	cfg.Observability.LogLevel = o.LogLevel
	cfg.Observability.Tracing.Enabled = o.TracingEnabled
	cfg.Observability.Tracing.Endpoint = o.TracingEndpoint
	return nil
}
