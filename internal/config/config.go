package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/pkg/errors"
)

// EnvPrefix is prepended to every environment override, e.g.
// EHRPRIV_PRIVACY_TOTAL_EPSILON.
const EnvPrefix = "EHRPRIV"

// Storage backends for privacy budgets.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Logging          LoggingConfig          `mapstructure:"logging"`
	Anonymization    AnonymizationConfig    `mapstructure:"anonymization"`
	Privacy          PrivacyConfig          `mapstructure:"privacy"`
	Pseudonymization PseudonymizationConfig `mapstructure:"pseudonymization"`
	Storage          StorageConfig          `mapstructure:"storage"`
	Server           ServerConfig           `mapstructure:"server"`
	Metrics          MetricsConfig          `mapstructure:"metrics"`
	Export           ExportConfig           `mapstructure:"export"`
	Pipeline         PipelineConfig         `mapstructure:"pipeline"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// AnonymizationConfig holds the shared settings of the k, l and t engines.
// Column-keyed settings are lists rather than maps because viper lowercases
// map keys.
type AnonymizationConfig struct {
	K                    int                `mapstructure:"k"`
	L                    int                `mapstructure:"l"`
	T                    float64            `mapstructure:"t"`
	SuppressionThreshold float64            `mapstructure:"suppression_threshold"`
	DiversityModel       string             `mapstructure:"diversity_model"`
	RecursiveC           float64            `mapstructure:"recursive_c"`
	NumericBins          int                `mapstructure:"numeric_bins"`
	QuasiIdentifiers     []string           `mapstructure:"quasi_identifiers"`
	SensitiveAttributes  []string           `mapstructure:"sensitive_attributes"`
	MaxLevels            []LevelCap         `mapstructure:"max_levels"`
	Hierarchies          []HierarchyConfig  `mapstructure:"hierarchies"`
	OrderedAttributes    []OrderedAttribute `mapstructure:"ordered_attributes"`
}

type LevelCap struct {
	Column string `mapstructure:"column"`
	Level  int    `mapstructure:"level"`
}

// HierarchyConfig describes one generalization rule. Type selects which of
// the remaining fields apply: numeric uses Origin and Widths, categorical
// uses Levels, suppress uses neither.
type HierarchyConfig struct {
	Column string          `mapstructure:"column"`
	Type   string          `mapstructure:"type"`
	Origin float64         `mapstructure:"origin"`
	Widths []float64       `mapstructure:"widths"`
	Levels [][]RollupGroup `mapstructure:"levels"`
}

// RollupGroup maps every value in From to To at one level.
type RollupGroup struct {
	To   string   `mapstructure:"to"`
	From []string `mapstructure:"from"`
}

type OrderedAttribute struct {
	Column string   `mapstructure:"column"`
	Order  []string `mapstructure:"order"`
}

type PrivacyConfig struct {
	TotalEpsilon      float64 `mapstructure:"total_epsilon"`
	QueryEpsilon      float64 `mapstructure:"query_epsilon"`
	AllowOverspend    bool    `mapstructure:"allow_overspend"`
	MinUtilityEpsilon float64 `mapstructure:"min_utility_epsilon"`
	ConfidenceAlpha   float64 `mapstructure:"confidence_alpha"`
	HistogramBins     int     `mapstructure:"histogram_bins"`
}

type PseudonymizationConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Method            string   `mapstructure:"method"`
	HashingSalt       string   `mapstructure:"hashing_salt"`
	DirectIdentifiers []string `mapstructure:"direct_identifiers"`
}

type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	TTL          time.Duration `mapstructure:"ttl"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// Per-session DP query rate; zero disables limiting.
	QueryRateLimit float64 `mapstructure:"query_rate_limit"`
	QueryBurst     int     `mapstructure:"query_burst"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

type ExportConfig struct {
	OutputDir string   `mapstructure:"output_dir"`
	S3        S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Prefix   string `mapstructure:"prefix"`
	Endpoint string `mapstructure:"endpoint"`
}

// PipelineConfig orders the anonymization steps and describes the optional
// differentially private summary released after them.
type PipelineConfig struct {
	Steps     []string        `mapstructure:"steps"`
	DPNoise   DPNoiseConfig   `mapstructure:"dp_noise"`
	DPSummary DPSummaryConfig `mapstructure:"dp_summary"`
}

// DPNoiseConfig configures the dp_noise step, used when it is listed in steps.
type DPNoiseConfig struct {
	Session string          `mapstructure:"session"`
	Epsilon float64         `mapstructure:"epsilon"`
	Columns []NumericColumn `mapstructure:"columns"`
}

type DPSummaryConfig struct {
	Enabled     bool            `mapstructure:"enabled"`
	Session     string          `mapstructure:"session"`
	Epsilon     float64         `mapstructure:"epsilon"`
	Numerical   []NumericColumn `mapstructure:"numerical"`
	Categorical []string        `mapstructure:"categorical"`
}

type NumericColumn struct {
	Column string  `mapstructure:"column"`
	Lower  float64 `mapstructure:"lower"`
	Upper  float64 `mapstructure:"upper"`
}

// LoadConfig reads cfgFile, or ehrprivacy.yaml from the working directory or
// ~/.ehrprivacy when cfgFile is empty. A missing default file is not an
// error; environment variables override both the file and the defaults.
func LoadConfig(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".ehrprivacy"))
		}
		v.SetConfigName("ehrprivacy")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidParameter, "error reading config file")
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidParameter, "error unmarshaling config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Default returns the configuration LoadConfig produces with no file and no
// environment overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	config := &Config{}
	_ = v.Unmarshal(config)
	return config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("anonymization.k", 3)
	v.SetDefault("anonymization.l", 2)
	v.SetDefault("anonymization.t", 0.2)
	v.SetDefault("anonymization.suppression_threshold", 0.2)
	v.SetDefault("anonymization.diversity_model", "distinct")
	v.SetDefault("anonymization.recursive_c", 3.0)
	v.SetDefault("anonymization.numeric_bins", 10)
	v.SetDefault("anonymization.quasi_identifiers", []string{"age", "gender", "admission_type", "ethnicity"})
	v.SetDefault("anonymization.sensitive_attributes", []string{"primary_diagnosis"})
	v.SetDefault("anonymization.hierarchies", []map[string]interface{}{
		{"column": "age", "type": "numeric", "origin": 0, "widths": []float64{5, 10, 20}},
	})

	v.SetDefault("privacy.total_epsilon", 1.0)
	v.SetDefault("privacy.query_epsilon", 0.1)
	v.SetDefault("privacy.allow_overspend", false)
	v.SetDefault("privacy.min_utility_epsilon", 0.01)
	v.SetDefault("privacy.confidence_alpha", 0.05)
	v.SetDefault("privacy.histogram_bins", 10)

	v.SetDefault("pseudonymization.enabled", false)
	v.SetDefault("pseudonymization.method", "hash")
	v.SetDefault("pseudonymization.hashing_salt", "")
	v.SetDefault("pseudonymization.direct_identifiers", []string{"subject_id", "hadm_id"})

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "ehrprivacy")
	v.SetDefault("storage.redis.ttl", "0s")
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table", "privacy_budgets")
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 5)
	v.SetDefault("storage.postgres.conn_max_lifetime", "30m")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_body_bytes", 32<<20)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.query_rate_limit", 5.0)
	v.SetDefault("server.query_burst", 10)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "ehrprivacy")

	v.SetDefault("export.output_dir", ".")
	v.SetDefault("export.s3.enabled", false)
	v.SetDefault("export.s3.bucket", "")
	v.SetDefault("export.s3.region", "us-east-1")
	v.SetDefault("export.s3.prefix", "releases")
	v.SetDefault("export.s3.endpoint", "")

	v.SetDefault("pipeline.steps", []string{"k_anonymity"})
	v.SetDefault("pipeline.dp_noise.session", "pipeline")
	v.SetDefault("pipeline.dp_noise.epsilon", 0.5)
	v.SetDefault("pipeline.dp_summary.enabled", false)
	v.SetDefault("pipeline.dp_summary.session", "pipeline")
	v.SetDefault("pipeline.dp_summary.epsilon", 0.5)
}

// Validate checks settings the engines cannot check themselves: enumerated
// options, ports and the backend-specific requirements.
func (c *Config) Validate() error {
	ve := errors.NewValidationErrors()

	switch c.Logging.Format {
	case "text", "json":
	default:
		ve.Add("logging.format", errors.CodeInvalidParameter, "must be text or json", c.Logging.Format)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			ve.Add("storage.redis.addr", errors.CodeInvalidParameter, "is required for the redis backend", "")
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			ve.Add("storage.postgres.dsn", errors.CodeInvalidParameter, "is required for the postgres backend", "")
		}
	default:
		ve.Add("storage.backend", errors.CodeInvalidParameter, "must be memory, redis or postgres", c.Storage.Backend)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		ve.Add("server.port", errors.CodeInvalidParameter, "must be between 1 and 65535", c.Server.Port)
	}

	if c.Export.S3.Enabled && c.Export.S3.Bucket == "" {
		ve.Add("export.s3.bucket", errors.CodeInvalidParameter, "is required when s3 export is enabled", "")
	}

	for _, step := range c.Pipeline.Steps {
		if !isPipelineStep(step) {
			ve.Add("pipeline.steps", errors.CodeInvalidParameter, fmt.Sprintf("unknown step %q", step), step)
		}
		if step == privacy.TechniqueDPNoise && len(c.Pipeline.DPNoise.Columns) == 0 {
			ve.Add("pipeline.dp_noise.columns", errors.CodeInvalidParameter, "is required when dp_noise is a step", "")
		}
	}

	if ve.HasErrors() {
		return ve.AsAppError()
	}
	return nil
}

// Address returns the host:port the HTTP server listens on.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
