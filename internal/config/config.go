package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default configuration file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML. Secrets can be
// supplied through environment overrides instead of the file.
type FileConfig struct {
	Port          string `yaml:"port"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	LogLevel      string `yaml:"logLevel"`

	AccessTokenSecret  string `yaml:"accessTokenSecret"`
	RefreshTokenSecret string `yaml:"refreshTokenSecret"`
	AccessTokenTTL     string `yaml:"accessTokenTTL"`
	RefreshTokenTTL    string `yaml:"refreshTokenTTL"`
	TokenLeeway        string `yaml:"tokenLeeway"`

	ProviderBaseURL string `yaml:"providerBaseURL"`
	ProviderAPIKey  string `yaml:"providerAPIKey"`
	ProviderModel   string `yaml:"providerModel"`
	ProviderTimeout string `yaml:"providerTimeout"`

	GlobalRateLimit  int    `yaml:"globalRateLimit"`
	GlobalRateWindow string `yaml:"globalRateWindow"`
	AuthRateLimit    int    `yaml:"authRateLimit"`
	AuthRateWindow   string `yaml:"authRateWindow"`
	AIRateLimit      int    `yaml:"aiRateLimit"`
	AIRateWindow     string `yaml:"aiRateWindow"`

	AMQPURL        string   `yaml:"amqpURL"`
	TrustedProxies []string `yaml:"trustedProxies"`
	MaxConnections int      `yaml:"maxConnections"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("ACCESS_TOKEN_SECRET"); v != "" {
		cfg.AccessTokenSecret = v
	}
	if v := os.Getenv("REFRESH_TOKEN_SECRET"); v != "" {
		cfg.RefreshTokenSecret = v
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		cfg.ProviderBaseURL = v
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		cfg.ProviderAPIKey = v
	}
	if v := os.Getenv("PROVIDER_MODEL"); v != "" {
		cfg.ProviderModel = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConnections = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for distributed rate limiting")
	}
	if strings.TrimSpace(cfg.AccessTokenSecret) == "" {
		return errors.New("config: accessTokenSecret is required (set ACCESS_TOKEN_SECRET)")
	}
	if strings.TrimSpace(cfg.RefreshTokenSecret) == "" {
		return errors.New("config: refreshTokenSecret is required (set REFRESH_TOKEN_SECRET)")
	}
	if cfg.AccessTokenSecret == cfg.RefreshTokenSecret {
		return errors.New("config: accessTokenSecret and refreshTokenSecret must differ")
	}
	if strings.TrimSpace(cfg.ProviderBaseURL) == "" {
		return errors.New("config: providerBaseURL is required")
	}
	if cfg.GlobalRateLimit < 0 || cfg.AuthRateLimit < 0 || cfg.AIRateLimit < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MaxConnections < 0 {
		return errors.New("config: maxConnections must be >= 0")
	}
	return nil
}

// ParseDurationOr parses an optional duration string, returning fallback
// when the string is empty.
func ParseDurationOr(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", raw)
	}
	return dur, nil
}
