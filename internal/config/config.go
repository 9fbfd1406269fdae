package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fhirbox/fhirbox/internal/fhir"
)

// Config is the full server configuration. Keys follow the dotted form in
// the file (server.defaultVersion, tenant.headerName); environment overrides
// use the FHIRBOX_ prefix with dots as underscores (FHIRBOX_DATABASE_URL).
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Versions   VersionsConfig   `mapstructure:"versions"`
	ConfigTree ConfigTreeConfig `mapstructure:"config"`
	Validation ValidationConfig `mapstructure:"validation"`
	Tenant     TenantConfig     `mapstructure:"tenant"`
	Search     SearchConfig     `mapstructure:"search"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	BaseURL        string        `mapstructure:"baseUrl"`
	DefaultVersion string        `mapstructure:"defaultVersion"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"maxConns"`
	MinConns        int32         `mapstructure:"minConns"`
	MaxConnLifetime time.Duration `mapstructure:"maxConnLifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"maxConnIdleTime"`
	MigrationsDir   string        `mapstructure:"migrationsDir"`
}

// VersionsConfig names the FHIR versions this deployment serves.
type VersionsConfig struct {
	Enabled []string `mapstructure:"enabled"`
}

// ConfigTreeConfig points at the resource/search-parameter configuration
// tree: <basePath>/resources/*.yml plus
// <basePath>/<version>/searchparameters/*.json.
type ConfigTreeConfig struct {
	BasePath string `mapstructure:"basePath"`
}

// ValidationConfig controls the validation pipeline.
type ValidationConfig struct {
	Enabled                       bool   `mapstructure:"enabled"`
	ProfileValidation             string `mapstructure:"profileValidation"`
	ValidateSearchParameters      bool   `mapstructure:"validateSearchParameters"`
	FailOnUnknownSearchParameters bool   `mapstructure:"failOnUnknownSearchParameters"`
}

// TenantConfig controls multi-tenancy.
type TenantConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	HeaderName      string        `mapstructure:"headerName"`
	DefaultTenantID string        `mapstructure:"defaultTenantId"`
	CacheTTL        time.Duration `mapstructure:"cacheTtl"`
}

// SearchConfig holds paging bounds.
type SearchConfig struct {
	DefaultCount int `mapstructure:"defaultCount"`
	MaxCount     int `mapstructure:"maxCount"`
}

// LimitsConfig holds request size and rate limits.
type LimitsConfig struct {
	BodyLimit       string  `mapstructure:"bodyLimit"`
	BundleBodyLimit string  `mapstructure:"bundleBodyLimit"`
	RateLimitRPS    float64 `mapstructure:"rateLimitRps"`
	RateLimitBurst  int     `mapstructure:"rateLimitBurst"`
}

// AuthConfig controls the JWT claims plugin.
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwtSecret"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration from an optional YAML file and the environment.
// path may be empty, in which case fhirbox.yaml is searched in the working
// directory and /etc/fhirbox.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fhirbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fhirbox")
	}

	v.SetEnvPrefix("FHIRBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine (env-only deployments); anything else is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.baseUrl", "http://localhost:8080")
	v.SetDefault("server.defaultVersion", "R4B")
	v.SetDefault("server.requestTimeout", "30s")

	v.SetDefault("database.maxConns", 20)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.maxConnLifetime", "1h")
	v.SetDefault("database.maxConnIdleTime", "15m")
	v.SetDefault("database.migrationsDir", "migrations")

	v.SetDefault("versions.enabled", []string{"R4B", "R5"})

	v.SetDefault("config.basePath", "config")

	v.SetDefault("validation.enabled", true)
	v.SetDefault("validation.profileValidation", "lenient")
	v.SetDefault("validation.validateSearchParameters", true)
	v.SetDefault("validation.failOnUnknownSearchParameters", false)

	v.SetDefault("tenant.enabled", true)
	v.SetDefault("tenant.headerName", "X-Tenant-ID")
	v.SetDefault("tenant.defaultTenantId", "default")
	v.SetDefault("tenant.cacheTtl", "5m")

	v.SetDefault("search.defaultCount", 20)
	v.SetDefault("search.maxCount", 1000)

	v.SetDefault("limits.bodyLimit", "1M")
	v.SetDefault("limits.bundleBodyLimit", "10M")
	v.SetDefault("limits.rateLimitRps", 100)
	v.SetDefault("limits.rateLimitBurst", 200)

	v.SetDefault("auth.enabled", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Validate checks that the configuration is safe to run with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}

	if _, ok := fhir.ParseVersion(c.Server.DefaultVersion); !ok {
		return fmt.Errorf("server.defaultVersion must be R4B or R5, got %q", c.Server.DefaultVersion)
	}

	if len(c.Versions.Enabled) == 0 {
		return fmt.Errorf("versions.enabled must name at least one FHIR version")
	}
	enabled := make(map[fhir.Version]bool, len(c.Versions.Enabled))
	for _, raw := range c.Versions.Enabled {
		ver, ok := fhir.ParseVersion(raw)
		if !ok {
			return fmt.Errorf("versions.enabled contains unknown version %q", raw)
		}
		enabled[ver] = true
	}
	def, _ := fhir.ParseVersion(c.Server.DefaultVersion)
	if !enabled[def] {
		return fmt.Errorf("server.defaultVersion %q is not in versions.enabled", c.Server.DefaultVersion)
	}

	switch c.Validation.ProfileValidation {
	case "strict", "lenient", "off":
	default:
		return fmt.Errorf("validation.profileValidation must be strict, lenient, or off, got %q", c.Validation.ProfileValidation)
	}

	if c.Search.DefaultCount < 1 || c.Search.MaxCount < 1 {
		return fmt.Errorf("search.defaultCount and search.maxCount must be positive")
	}
	if c.Search.DefaultCount > c.Search.MaxCount {
		return fmt.Errorf("search.defaultCount (%d) exceeds search.maxCount (%d)", c.Search.DefaultCount, c.Search.MaxCount)
	}

	if c.Tenant.Enabled && c.Tenant.HeaderName == "" {
		return fmt.Errorf("tenant.headerName is required when tenancy is enabled")
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwtSecret is required when auth is enabled")
	}

	return nil
}

// EnabledVersions returns the parsed set of enabled FHIR versions.
func (c *Config) EnabledVersions() []fhir.Version {
	out := make([]fhir.Version, 0, len(c.Versions.Enabled))
	for _, raw := range c.Versions.Enabled {
		if ver, ok := fhir.ParseVersion(raw); ok {
			out = append(out, ver)
		}
	}
	return out
}

// DefaultVersion returns the parsed default FHIR version.
func (c *Config) DefaultVersion() fhir.Version {
	ver, _ := fhir.ParseVersion(c.Server.DefaultVersion)
	return ver
}
