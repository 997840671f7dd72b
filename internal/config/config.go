package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location Load falls back to.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                    string `yaml:"port"`
	LogLevel                string `yaml:"logLevel"`
	DatabaseURL             string `yaml:"databaseURL"`
	RedisAddr               string `yaml:"redisAddr"`
	RedisPassword           string `yaml:"redisPassword"`
	ModerationCacheTTLSecs  int    `yaml:"moderationCacheTtlSeconds"`
	RabbitURL               string `yaml:"rabbitURL"`
	RabbitExchange          string `yaml:"rabbitExchange"`
	PostCap                 int    `yaml:"postCap"`
	PostRateLimitPerMinute  int    `yaml:"postRateLimitPerMinute"`
	DefaultMinParticipants  int    `yaml:"defaultMinParticipants"`
	DefaultMaxParticipants  int    `yaml:"defaultMaxParticipants"`
}

// Load reads config from path (defaults to config.yaml).
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
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
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
	if v := os.Getenv("STORYROUND_MODERATION_CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ModerationCacheTTLSecs = n
		}
	}
	if v := os.Getenv("RABBIT_URL"); v != "" {
		cfg.RabbitURL = v
	}
	if v := os.Getenv("STORYROUND_RABBIT_EXCHANGE"); v != "" {
		cfg.RabbitExchange = v
	}
	if v := os.Getenv("STORYROUND_POST_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PostCap = n
		}
	}
	if v := os.Getenv("STORYROUND_POST_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PostRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("STORYROUND_DEFAULT_MIN_PARTICIPANTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultMinParticipants = n
		}
	}
	if v := os.Getenv("STORYROUND_DEFAULT_MAX_PARTICIPANTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultMaxParticipants = n
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
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.ModerationCacheTTLSecs < 0 {
		return errors.New("config: moderationCacheTtlSeconds must be >= 0")
	}
	if cfg.RabbitURL != "" && strings.TrimSpace(cfg.RabbitExchange) == "" {
		return errors.New("config: rabbitExchange is required when rabbitURL is set")
	}
	if cfg.PostCap < 0 {
		return errors.New("config: postCap must be >= 0 (0 disables automatic completion)")
	}
	if cfg.PostRateLimitPerMinute < 0 {
		return errors.New("config: postRateLimitPerMinute must be >= 0 (0 disables rate limiting)")
	}
	if cfg.DefaultMinParticipants < 0 || cfg.DefaultMaxParticipants < 0 {
		return errors.New("config: participant defaults must be >= 0")
	}
	if cfg.DefaultMinParticipants > 0 && cfg.DefaultMaxParticipants > 0 &&
		cfg.DefaultMinParticipants > cfg.DefaultMaxParticipants {
		return errors.New("config: defaultMinParticipants must not exceed defaultMaxParticipants")
	}
	return nil
}
