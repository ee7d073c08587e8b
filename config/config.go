package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port     int    `mapstructure:"port"`
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"server"`
	Auth struct {
		// JWTSecret enables token based participant identity when set.
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
	Database struct {
		URL           string        `mapstructure:"url"`
		FlushInterval time.Duration `mapstructure:"flush_interval"`
	} `mapstructure:"database"`
	Redis struct {
		Addr        string        `mapstructure:"addr"`
		Password    string        `mapstructure:"password"`
		PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Collab struct {
		TypingWindow time.Duration `mapstructure:"typing_window"`
		GapTimeout   time.Duration `mapstructure:"gap_timeout"`
		HistoryCap   int           `mapstructure:"history_cap"`
		MessageRate  float64       `mapstructure:"message_rate"`
		MessageBurst int           `mapstructure:"message_burst"`
	} `mapstructure:"collab"`
}

// Load reads configuration from an optional config.yaml, then the environment.
// A .env file in the working directory is loaded first if present.
// Environment keys are upper-cased with dots replaced by underscores, for
// example SERVER_PORT or KAFKA_BROKERS.
func Load(paths ...string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	// Comma separated lists from the environment arrive as one element.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("database.url", "")
	v.SetDefault("database.flush_interval", 10*time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.presence_ttl", 30*time.Second)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "naskah.ops")
	v.SetDefault("collab.typing_window", 500*time.Millisecond)
	v.SetDefault("collab.gap_timeout", 5*time.Second)
	v.SetDefault("collab.history_cap", 10000)
	v.SetDefault("collab.message_rate", 50.0)
	v.SetDefault("collab.message_burst", 100)
}
