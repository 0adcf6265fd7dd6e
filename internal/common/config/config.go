// Package config provides configuration management for the control plane core.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane core.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	Deployments  DeploymentsConfig  `mapstructure:"deployments"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Mention      MentionConfig      `mapstructure:"mention"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds process-wide server settings not tied to any one component.
type ServerConfig struct {
	Env string `mapstructure:"env"`
}

// StoreConfig holds the Mission/Agent Store's Postgres connection configuration.
type StoreConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN returns the PostgreSQL connection string for pgxpool.
func (s *StoreConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		s.Host, s.Port, s.User, s.Password, s.DBName, s.SSLMode, s.MaxConns, s.MinConns,
	)
}

// DeploymentsConfig holds Deployment Manager configuration.
type DeploymentsConfig struct {
	BaseDir          string `mapstructure:"baseDir"`
	ComposeBin       string `mapstructure:"composeBin"`
	ComposeBinLegacy string `mapstructure:"composeBinLegacy"`
	PortRangeMin     int    `mapstructure:"portRangeMin"`
	PortRangeMax     int    `mapstructure:"portRangeMax"`
	PortRetryLimit   int    `mapstructure:"portRetryLimit"`
	NameRetryLimit   int    `mapstructure:"nameRetryLimit"`
}

// GatewayConfig holds Gateway Client identity and tuning parameters.
type GatewayConfig struct {
	ClientVersion     string        `mapstructure:"clientVersion"`
	ClientPlatform    string        `mapstructure:"clientPlatform"`
	ClientMode        string        `mapstructure:"clientMode"`
	Scopes            []string      `mapstructure:"scopes"`
	UserAgent         string        `mapstructure:"userAgent"`
	Locale            string        `mapstructure:"locale"`
	EventQueueCap     int           `mapstructure:"eventQueueCap"`
	ReconnectBase     time.Duration `mapstructure:"-"`
	ReconnectCap      time.Duration `mapstructure:"-"`
	ReconnectBaseSecs float64       `mapstructure:"reconnectBaseSeconds"`
	ReconnectCapSecs  float64       `mapstructure:"reconnectCapSeconds"`
	MaxReconnectTries int           `mapstructure:"maxReconnectTries"`
	SequenceGapWarn   int           `mapstructure:"sequenceGapWarn"`
	PollIntervalSecs  float64       `mapstructure:"pollIntervalSeconds"`
	PollCapSecs       float64       `mapstructure:"pollCapSeconds"`
	PollQuietLimit    int           `mapstructure:"pollQuietLimit"`
	CloseBudgetSecs   float64       `mapstructure:"closeBudgetSeconds"`
}

// LLMConfig holds LLM Router provider configuration.
type LLMConfig struct {
	DefaultProvider string                    `mapstructure:"defaultProvider"`
	Providers       map[string]ProviderConfig `mapstructure:"providers"`
	ModelOverride   string                    `mapstructure:"modelOverride"`
	TimeoutSecs     float64                   `mapstructure:"timeoutSeconds"`
}

// ProviderConfig describes one LLM provider's connection shape.
type ProviderConfig struct {
	BaseURL   string `mapstructure:"baseUrl"`
	APIKeyEnv string `mapstructure:"apiKeyEnv"`
	Model     string `mapstructure:"model"`
}

// OrchestratorConfig holds Orchestrator Pipeline tuning parameters.
type OrchestratorConfig struct {
	MaxParallelSubtasks int     `mapstructure:"maxParallelSubtasks"`
	SynthesisTimeoutSec float64 `mapstructure:"synthesisTimeoutSeconds"`
	SubtaskTimeoutSec   float64 `mapstructure:"subtaskTimeoutSeconds"`
}

// MentionConfig holds Mention Router + Monitor tuning parameters.
type MentionConfig struct {
	KnownRoles        []string `mapstructure:"knownRoles"`
	MonitorPollSecs   float64  `mapstructure:"monitorPollSeconds"`
	MonitorHardCapMin float64  `mapstructure:"monitorHardCapMinutes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CTLPLANE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.env", "development")

	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.user", "ctlplane")
	v.SetDefault("store.password", "")
	v.SetDefault("store.dbName", "ctlplane")
	v.SetDefault("store.sslMode", "disable")
	v.SetDefault("store.maxConns", 25)
	v.SetDefault("store.minConns", 2)

	v.SetDefault("deployments.baseDir", "./deployments")
	v.SetDefault("deployments.composeBin", "docker")
	v.SetDefault("deployments.composeBinLegacy", "docker-compose")
	v.SetDefault("deployments.portRangeMin", 10000)
	v.SetDefault("deployments.portRangeMax", 65000)
	v.SetDefault("deployments.portRetryLimit", 50)
	v.SetDefault("deployments.nameRetryLimit", 50)

	v.SetDefault("gateway.clientVersion", "1.0.0")
	v.SetDefault("gateway.clientPlatform", "linux")
	v.SetDefault("gateway.clientMode", "headless")
	v.SetDefault("gateway.scopes", []string{"operator.admin", "operator.approvals", "operator.pairing"})
	v.SetDefault("gateway.userAgent", "ctlplane-core/1.0")
	v.SetDefault("gateway.locale", "en-US")
	v.SetDefault("gateway.eventQueueCap", 500)
	v.SetDefault("gateway.reconnectBaseSeconds", 1.0)
	v.SetDefault("gateway.reconnectCapSeconds", 30.0)
	v.SetDefault("gateway.maxReconnectTries", 10)
	v.SetDefault("gateway.sequenceGapWarn", 100)
	v.SetDefault("gateway.pollIntervalSeconds", 1.0)
	v.SetDefault("gateway.pollCapSeconds", 180.0)
	v.SetDefault("gateway.pollQuietLimit", 20)
	v.SetDefault("gateway.closeBudgetSeconds", 5.0)

	v.SetDefault("llm.defaultProvider", "openrouter")
	v.SetDefault("llm.timeoutSeconds", 180.0)

	v.SetDefault("orchestrator.maxParallelSubtasks", 4)
	v.SetDefault("orchestrator.synthesisTimeoutSeconds", 120.0)
	v.SetDefault("orchestrator.subtaskTimeoutSeconds", 600.0)

	v.SetDefault("mention.knownRoles", []string{"researcher", "coder", "reviewer", "tester", "writer"})
	v.SetDefault("mention.monitorPollSeconds", 10.0)
	v.SetDefault("mention.monitorHardCapMinutes", 15.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CTLPLANE_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CTLPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming diverges from the mechanical
	// camelCase-to-SNAKE_CASE conversion AutomaticEnv performs.
	_ = v.BindEnv("logging.level", "CTLPLANE_LOG_LEVEL")
	_ = v.BindEnv("store.password", "CTLPLANE_STORE_PASSWORD", "PGPASSWORD")
	_ = v.BindEnv("deployments.baseDir", "CTLPLANE_DEPLOYMENTS_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ctlplane/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Gateway.ReconnectBase = time.Duration(cfg.Gateway.ReconnectBaseSecs * float64(time.Second))
	cfg.Gateway.ReconnectCap = time.Duration(cfg.Gateway.ReconnectCapSecs * float64(time.Second))

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Store.Port <= 0 || cfg.Store.Port > 65535 {
		errs = append(errs, "store.port must be between 1 and 65535")
	}
	if cfg.Store.DBName == "" {
		errs = append(errs, "store.dbName is required")
	}

	if cfg.Deployments.PortRangeMin <= 0 || cfg.Deployments.PortRangeMax > 65535 ||
		cfg.Deployments.PortRangeMin >= cfg.Deployments.PortRangeMax {
		errs = append(errs, "deployments.portRangeMin must be less than deployments.portRangeMax, within 1-65535")
	}

	if cfg.Gateway.ClientVersion == "" {
		errs = append(errs, "gateway.clientVersion is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
