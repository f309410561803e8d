package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the API process needs. Values come from an
// optional YAML file with environment variables taking precedence.
type Config struct {
	Port            int
	DatabaseURL     string
	MaxDBConns      int32
	RedisURL        string
	KafkaBrokers    []string
	JWTSecret       string
	HistoryCacheTTL time.Duration
	OutboxInterval  time.Duration
	OutboxBatchSize int
	AllowedOrigins  []string
}

type configFile struct {
	Server struct {
		Port           int      `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Dependencies struct {
		PostgresURL  string   `yaml:"postgres_url"`
		MaxDBConns   int32    `yaml:"max_db_conns"`
		RedisURL     string   `yaml:"redis_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
	} `yaml:"dependencies"`
	Arbitration struct {
		HistoryCacheTTL string `yaml:"history_cache_ttl"`
	} `yaml:"arbitration"`
	Outbox struct {
		PollInterval string `yaml:"poll_interval"`
		BatchSize    int    `yaml:"batch_size"`
	} `yaml:"outbox"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// Load reads the config file at path (if present) and applies env overrides.
func Load(path string) (Config, error) {
	cfg := Config{
		Port:            8080,
		MaxDBConns:      20,
		HistoryCacheTTL: 5 * time.Minute,
		OutboxInterval:  2 * time.Second,
		OutboxBatchSize: 100,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			var f configFile
			if err := yaml.Unmarshal(raw, &f); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
			applyFile(&cfg, f)
		case os.IsNotExist(err):
			// env-only deployment
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: database url is required (DATABASE_URL)")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: jwt secret is required (JWT_SECRET)")
	}
	return cfg, nil
}

func applyFile(cfg *Config, f configFile) {
	if f.Server.Port > 0 {
		cfg.Port = f.Server.Port
	}
	if len(f.Server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = f.Server.AllowedOrigins
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.MaxDBConns > 0 {
		cfg.MaxDBConns = f.Dependencies.MaxDBConns
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	if f.Auth.JWTSecret != "" {
		cfg.JWTSecret = f.Auth.JWTSecret
	}
	if d, err := time.ParseDuration(f.Arbitration.HistoryCacheTTL); err == nil && d > 0 {
		cfg.HistoryCacheTTL = d
	}
	if d, err := time.ParseDuration(f.Outbox.PollInterval); err == nil && d > 0 {
		cfg.OutboxInterval = d
	}
	if f.Outbox.BatchSize > 0 {
		cfg.OutboxBatchSize = f.Outbox.BatchSize
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers := make([]string, 0, 4)
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				brokers = append(brokers, part)
			}
		}
		cfg.KafkaBrokers = brokers
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
}
