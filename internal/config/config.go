// Package config loads the keyrotor server configuration from an optional YAML
// file, a .env file and environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sdkconfig "github.com/keyrotor/keyrotor/sdk/config"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost                   = "127.0.0.1"
	DefaultPort                   = 8000
	DefaultOpenRouterBaseURL      = "https://openrouter.ai/api/v1"
	DefaultSiteURL                = "http://localhost:8000"
	DefaultAppName                = "OpenRouter Key Rotator"
	DefaultUpstreamTimeoutSeconds = 600
	DefaultUsageDriver            = "sqlite"
)

// Environment variable names recognised by ApplyEnv.
const (
	EnvOpenRouterKeys  = "OPENROUTER_API_KEYS"
	EnvAccessTokens    = "ACCESS_TOKENS"
	EnvSiteURL         = "YOUR_SITE_URL"
	EnvAppName         = "YOUR_APP_NAME"
	EnvHost            = "HOST"
	EnvPort            = "PORT"
	EnvBaseURL         = "OPENROUTER_API_BASE"
	EnvUpstreamTimeout = "UPSTREAM_TIMEOUT_SECONDS"
	EnvProxyURL        = "PROXY_URL"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLoggingToFile   = "LOGGING_TO_FILE"
	EnvLogDir          = "LOG_DIR"
	EnvUsageDriver     = "USAGE_DB_DRIVER"
	EnvUsageDSN        = "USAGE_DB_DSN"
	EnvLimitsDBPath    = "LIMITS_DB_PATH"
	EnvManagementKey   = "MANAGEMENT_KEY"
)

// Config is the full server configuration.
type Config struct {
	sdkconfig.SDKConfig `yaml:",inline"`

	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// OpenRouterKeys are the upstream credentials rotated by the proxy.
	// The list is fixed for the lifetime of the process.
	OpenRouterKeys []string `yaml:"openrouter-api-keys" json:"-"`

	OpenRouterBaseURL string `yaml:"openrouter-base-url" json:"openrouter-base-url"`

	// SiteURL and AppName are sent upstream as HTTP-Referer and X-Title.
	SiteURL string `yaml:"site-url" json:"site-url"`
	AppName string `yaml:"app-name" json:"app-name"`

	// UpstreamTimeoutSeconds bounds each individual upstream attempt.
	UpstreamTimeoutSeconds int `yaml:"upstream-timeout-seconds" json:"upstream-timeout-seconds"`

	Debug         bool   `yaml:"debug" json:"debug"`
	LogLevel      string `yaml:"log-level" json:"log-level"`
	LoggingToFile bool   `yaml:"logging-to-file" json:"logging-to-file"`
	LogDir        string `yaml:"log-dir" json:"log-dir"`

	// ManagementKey enables the /v0/management routes when non-empty.
	ManagementKey string `yaml:"management-key" json:"-"`

	Usage UsageConfig `yaml:"usage" json:"usage"`

	// LimitsDBPath is the sqlite file backing access policy daily limits.
	LimitsDBPath string `yaml:"limits-db-path" json:"limits-db-path"`

	AccessPolicies []AccessPolicy `yaml:"access-policies" json:"access-policies"`
}

// UsageConfig selects the usage accounting backend. An empty DSN disables accounting.
type UsageConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"-"`
}

// ConfigurationError reports a configuration problem that prevents startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// Default returns a configuration populated with built-in defaults.
func Default() *Config {
	return &Config{
		Host:                   DefaultHost,
		Port:                   DefaultPort,
		OpenRouterBaseURL:      DefaultOpenRouterBaseURL,
		SiteURL:                DefaultSiteURL,
		AppName:                DefaultAppName,
		UpstreamTimeoutSeconds: DefaultUpstreamTimeoutSeconds,
		LogLevel:               "info",
		LogDir:                 "logs",
		Usage:                  UsageConfig{Driver: DefaultUsageDriver},
	}
}

// LoadConfig reads the YAML file at path (when non-empty), applies environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, os.Getenv)
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides file values with any non-empty environment variables.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	if v := getenv(EnvOpenRouterKeys); strings.TrimSpace(v) != "" {
		cfg.OpenRouterKeys = SplitList(v)
	}
	if v := getenv(EnvAccessTokens); strings.TrimSpace(v) != "" {
		cfg.AccessTokens = SplitList(v)
	}
	setString(&cfg.SiteURL, getenv(EnvSiteURL))
	setString(&cfg.AppName, getenv(EnvAppName))
	setString(&cfg.Host, getenv(EnvHost))
	setInt(&cfg.Port, getenv(EnvPort))
	setString(&cfg.OpenRouterBaseURL, getenv(EnvBaseURL))
	setInt(&cfg.UpstreamTimeoutSeconds, getenv(EnvUpstreamTimeout))
	setString(&cfg.ProxyURL, getenv(EnvProxyURL))
	setString(&cfg.LogLevel, getenv(EnvLogLevel))
	if v := strings.TrimSpace(getenv(EnvLoggingToFile)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LoggingToFile = b
		}
	}
	setString(&cfg.LogDir, getenv(EnvLogDir))
	setString(&cfg.Usage.Driver, getenv(EnvUsageDriver))
	setString(&cfg.Usage.DSN, getenv(EnvUsageDSN))
	setString(&cfg.LimitsDBPath, getenv(EnvLimitsDBPath))
	setString(&cfg.ManagementKey, getenv(EnvManagementKey))
}

// SplitList splits a comma-separated list, trimming entries and dropping blanks.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Sanitize trims list entries, fills defaults for zero values and normalises policies.
func (cfg *Config) Sanitize() {
	if cfg == nil {
		return
	}
	cfg.OpenRouterKeys = trimList(cfg.OpenRouterKeys)
	cfg.AccessTokens = trimList(cfg.AccessTokens)
	cfg.OpenRouterBaseURL = strings.TrimRight(strings.TrimSpace(cfg.OpenRouterBaseURL), "/")
	if cfg.OpenRouterBaseURL == "" {
		cfg.OpenRouterBaseURL = DefaultOpenRouterBaseURL
	}
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if strings.TrimSpace(cfg.SiteURL) == "" {
		cfg.SiteURL = DefaultSiteURL
	}
	if strings.TrimSpace(cfg.AppName) == "" {
		cfg.AppName = DefaultAppName
	}
	if cfg.UpstreamTimeoutSeconds <= 0 {
		cfg.UpstreamTimeoutSeconds = DefaultUpstreamTimeoutSeconds
	}
	cfg.Usage.Driver = strings.ToLower(strings.TrimSpace(cfg.Usage.Driver))
	if cfg.Usage.Driver == "" {
		cfg.Usage.Driver = DefaultUsageDriver
	}
	cfg.SanitizeAccessPolicies()
}

// Validate returns a ConfigurationError when the configuration cannot start a server.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return &ConfigurationError{Reason: "configuration is nil"}
	}
	if len(cfg.OpenRouterKeys) == 0 {
		return &ConfigurationError{
			Field:  EnvOpenRouterKeys,
			Reason: "not set or empty; set it to a comma-separated list of OpenRouter API keys",
		}
	}
	switch cfg.Usage.Driver {
	case "sqlite", "postgres":
	default:
		return &ConfigurationError{Field: "usage.driver", Reason: fmt.Sprintf("unsupported driver %q", cfg.Usage.Driver)}
	}
	return nil
}

// UpstreamTimeout returns the per-attempt upstream timeout.
func (cfg *Config) UpstreamTimeout() time.Duration {
	if cfg == nil || cfg.UpstreamTimeoutSeconds <= 0 {
		return DefaultUpstreamTimeoutSeconds * time.Second
	}
	return time.Duration(cfg.UpstreamTimeoutSeconds) * time.Second
}

// Address returns the host:port bind address.
func (cfg *Config) Address() string {
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}

func trimList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}
