package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"clinicdesk/internal/security"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SecurityConfig struct {
	JWTSecret string
	// MasterKeyHash is a bcrypt digest of the support override key. Empty
	// disables it.
	MasterKeyHash      string
	BcryptCost         int
	TenantCacheTTL     time.Duration
	TenantPathPrefixes []string
	// LoginRateLimit is requests per minute per client IP on the login
	// endpoints.
	LoginRateLimit float64
	LoginBurst     int
}

type IdentityConfig struct {
	Enabled        bool
	ClientID       string
	JWKSURL        string
	UserInfoURL    string
	Issuers        []string
	OpaquePrefixes []string
}

type AuditConfig struct {
	Stream     string
	RollupCron string
}

type LoggingConfig struct {
	Level string
}

type AppConfig struct {
	Environment      string
	Logging          LoggingConfig
	HTTP             HTTPConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Security         SecurityConfig
	Identity         IdentityConfig
	Audit            AuditConfig
	AllowCORSOrigins []string
}

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("CLINICDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the API must not start with.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Security.JWTSecret) == "" {
		return fmt.Errorf("security.jwtsecret: %w", security.ErrMissingSigningSecret)
	}
	if c.Identity.Enabled && strings.TrimSpace(c.Identity.ClientID) == "" {
		return errors.New("identity.clientid is required when identity login is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logging.level", "")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// secrets have empty defaults so AutomaticEnv can see them
	v.SetDefault("security.jwtsecret", "")
	v.SetDefault("security.masterkeyhash", "")
	v.SetDefault("security.bcryptcost", security.DefaultBcryptCost)
	v.SetDefault("security.tenantcachettl", "60s")
	v.SetDefault("security.tenantpathprefixes", []string{"/api/v1/tenant/"})
	v.SetDefault("security.loginratelimit", 20)
	v.SetDefault("security.loginburst", 5)

	v.SetDefault("identity.enabled", false)
	v.SetDefault("identity.clientid", "")
	v.SetDefault("identity.jwksurl", "https://www.googleapis.com/oauth2/v3/certs")
	v.SetDefault("identity.userinfourl", "https://openidconnect.googleapis.com/v1/userinfo")
	v.SetDefault("identity.issuers", []string{"accounts.google.com", "https://accounts.google.com"})
	v.SetDefault("identity.opaqueprefixes", []string{"ya29."})

	v.SetDefault("audit.stream", "auth:events")
	v.SetDefault("audit.rollupcron", "0 15 0 * * *")

	v.SetDefault("allowcorsorigins", []string{})
}
