package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string
	Redis       RedisConfig
	Storage     StorageConfig
	Queues      QueueConfig
	Logging     LoggingConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Stream must match the API's audit.stream.
	Stream   string
	Group    string
	Consumer string
}

// StorageConfig points at the S3-compatible bucket holding the audit archive.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

type QueueConfig struct {
	// VisibilityTimeout is how long a delivered event may stay unacked
	// before another consumer claims it.
	VisibilityTimeout time.Duration
	ClaimInterval     time.Duration
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("worker")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../../config")
	v.SetEnvPrefix("CLINICDESK_WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	if cfg.Storage.Endpoint == "" || cfg.Storage.Bucket == "" {
		return nil, errors.New("storage.endpoint and storage.bucket are required")
	}
	if cfg.Queues.VisibilityTimeout <= 0 || cfg.Queues.ClaimInterval <= 0 {
		return nil, errors.New("queues.visibilitytimeout and queues.claiminterval must be positive")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "auth:events")
	v.SetDefault("redis.group", "audit-archivers")
	v.SetDefault("redis.consumer", "worker-1")

	v.SetDefault("storage.endpoint", "127.0.0.1:9000")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.bucket", "clinicdesk-audit")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "")

	v.SetDefault("queues.visibilitytimeout", "2m")
	v.SetDefault("queues.claiminterval", "10s")

	v.SetDefault("logging.level", "info")
}
