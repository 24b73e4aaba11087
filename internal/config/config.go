package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	base "github.com/alass1205/financial-platform-sub000/libs/config"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type KafkaTopics struct {
	OrdersAccepted    string
	OrdersCancelled   string
	TradesSettled     string
	SettlementsFailed string
	DLQ               string
}

type KafkaConfig struct {
	Brokers []string
	Topics  KafkaTopics
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type VaultConfig struct {
	BaseURL string
	Timeout time.Duration
	// Sim replaces the HTTP gateway with the in-process simulator; dev
	// environments only.
	Sim bool
}

type AuthConfig struct {
	JWTSecret string
}

type Config struct {
	App   base.AppConfig
	DB    DBConfig
	Kafka KafkaConfig
	Redis RedisConfig
	Vault VaultConfig
	Auth  AuthConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("FP_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("FP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("FP_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topics.orders_accepted", "orders.accepted")
	v.SetDefault("kafka.topics.orders_cancelled", "orders.cancelled")
	v.SetDefault("kafka.topics.trades_settled", "trades.settled")
	v.SetDefault("kafka.topics.settlements_failed", "trades.settlement_failed")
	v.SetDefault("kafka.topics.dlq", "exchange.dlq")

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "exchange"),
			User:     envString("POSTGRES_USER", "exchange"),
			Password: envString("POSTGRES_PASSWORD", "exchange"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers: envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			Topics: KafkaTopics{
				OrdersAccepted:    envString("KAFKA_ORDERS_ACCEPTED_TOPIC", v.GetString("kafka.topics.orders_accepted")),
				OrdersCancelled:   envString("KAFKA_ORDERS_CANCELLED_TOPIC", v.GetString("kafka.topics.orders_cancelled")),
				TradesSettled:     envString("KAFKA_TRADES_SETTLED_TOPIC", v.GetString("kafka.topics.trades_settled")),
				SettlementsFailed: envString("KAFKA_SETTLEMENTS_FAILED_TOPIC", v.GetString("kafka.topics.settlements_failed")),
				DLQ:               envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dlq")),
			},
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", "localhost:6379"),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Vault: VaultConfig{
			BaseURL: envString("VAULT_BASE_URL", "http://localhost:8090"),
			Timeout: envDuration("VAULT_TIMEOUT", 5*time.Second),
			Sim:     envString("VAULT_MODE", "http") == "sim",
		},
		Auth: AuthConfig{
			JWTSecret: envString("JWT_SECRET", ""),
		},
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET required")
	}
	if !cfg.Vault.Sim && cfg.Vault.BaseURL == "" {
		return nil, fmt.Errorf("VAULT_BASE_URL required")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
