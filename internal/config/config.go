package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Store    StoreConfig    `yaml:"store"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Engine   EngineConfig   `yaml:"engine"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
}

// RedisConfig holds redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StoreConfig selects the authoritative document store
type StoreConfig struct {
	Backend string `yaml:"backend"` // "postgres" or "redis"
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// EngineConfig holds quest, reward, progression and match tuning
type EngineConfig struct {
	Timezone         string                    `yaml:"timezone"`
	Retry            RetryConfig               `yaml:"retry"`
	Rewards          RewardConfig              `yaml:"rewards"`
	Cooldowns        map[string]CooldownConfig `yaml:"cooldowns"`
	Activities       map[string]ActivityConfig `yaml:"activities"`
	CooldownFailOpen bool                      `yaml:"cooldown_fail_open"`
}

// RetryConfig bounds retries on transient store errors
type RetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// RewardConfig holds LP amounts per qualifying event
type RewardConfig struct {
	Quest       int64 `yaml:"quest"`
	Progression int64 `yaml:"progression"`
	Match       int64 `yaml:"match"`
}

// CooldownConfig is the batch-and-cooldown policy of one activity
type CooldownConfig struct {
	BatchSize int           `yaml:"batch_size"`
	Duration  time.Duration `yaml:"duration"`
}

// ActivityConfig holds the win condition of one turn-based activity
type ActivityConfig struct {
	MaxTurns    int   `yaml:"max_turns"`
	TargetScore int64 `yaml:"target_score"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every default filled in
func Default() *Config {
	cfg := &Config{}
	_ = cfg.Validate()
	return cfg
}

// applyEnv overrides secrets and addresses from the environment
func (c *Config) applyEnv() {
	c.Database.Password = getEnvDefault("DB_PASSWORD", c.Database.Password)
	c.Redis.Addr = getEnvDefault("REDIS_ADDR", c.Redis.Addr)
	c.JWT.Secret = getEnvDefault("JWT_SECRET", c.JWT.Secret)
	c.Store.Backend = getEnvDefault("STORE_BACKEND", c.Store.Backend)
	c.Log.Level = getEnvDefault("LOG_LEVEL", c.Log.Level)
}

// Validate fills defaults and rejects unusable engine settings
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "postgres"
	}
	if c.Store.Backend != "postgres" && c.Store.Backend != "redis" {
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	e := &c.Engine
	if e.Timezone == "" {
		e.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(e.Timezone); err != nil {
		return fmt.Errorf("invalid engine timezone: %w", err)
	}
	if e.Retry.Attempts <= 0 {
		e.Retry.Attempts = 3
	}
	if e.Retry.BaseDelay <= 0 {
		e.Retry.BaseDelay = 50 * time.Millisecond
	}
	if e.Retry.MaxDelay < e.Retry.BaseDelay {
		e.Retry.MaxDelay = 20 * e.Retry.BaseDelay
	}
	if e.Rewards.Quest == 0 {
		e.Rewards.Quest = 30
	}
	if e.Rewards.Progression == 0 {
		e.Rewards.Progression = 50
	}
	if e.Rewards.Match == 0 {
		e.Rewards.Match = 30
	}

	if e.Cooldowns == nil {
		e.Cooldowns = map[string]CooldownConfig{}
	}
	if e.Activities == nil {
		e.Activities = map[string]ActivityConfig{}
	}
	for _, activity := range []string{"linked", "word_search"} {
		if _, ok := e.Cooldowns[activity]; !ok {
			e.Cooldowns[activity] = CooldownConfig{BatchSize: 1, Duration: 24 * time.Hour}
		}
		if _, ok := e.Activities[activity]; !ok {
			e.Activities[activity] = ActivityConfig{MaxTurns: 20}
		}
	}
	for name, cd := range e.Cooldowns {
		if cd.BatchSize <= 0 {
			return fmt.Errorf("cooldown %s: batch_size must be positive", name)
		}
		if cd.Duration <= 0 {
			return fmt.Errorf("cooldown %s: duration must be positive", name)
		}
	}

	return nil
}

// Location returns the time zone used for quest date keys
func (e EngineConfig) Location() *time.Location {
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

func getEnvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
