package config

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/viper"

	"clinicdesk/internal/security"
)

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func TestDecodeRequiresSigningSecret(t *testing.T) {
	_, err := decode(newViper())
	if !errors.Is(err, security.ErrMissingSigningSecret) {
		t.Fatalf("expected ErrMissingSigningSecret, got %v", err)
	}
}

func TestDecodeDefaults(t *testing.T) {
	v := newViper()
	v.Set("security.jwtsecret", "s3cret")

	cfg, err := decode(v)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Security.TenantCacheTTL != time.Minute {
		t.Fatalf("tenant cache ttl = %s", cfg.Security.TenantCacheTTL)
	}
	if len(cfg.Security.TenantPathPrefixes) != 1 || cfg.Security.TenantPathPrefixes[0] != "/api/v1/tenant/" {
		t.Fatalf("tenant prefixes = %v", cfg.Security.TenantPathPrefixes)
	}
	if cfg.Security.BcryptCost != security.DefaultBcryptCost || cfg.Audit.Stream != "auth:events" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestDecodeSplitsCommaSeparatedLists(t *testing.T) {
	v := newViper()
	v.Set("security.jwtsecret", "s3cret")
	v.Set("security.tenantpathprefixes", "/api/v1/tenant/,/api/v1/clinic/")

	cfg, err := decode(v)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cfg.Security.TenantPathPrefixes) != 2 || cfg.Security.TenantPathPrefixes[1] != "/api/v1/clinic/" {
		t.Fatalf("tenant prefixes = %v", cfg.Security.TenantPathPrefixes)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CLINICDESK_SECURITY_JWTSECRET", "from-env")
	t.Setenv("CLINICDESK_SECURITY_TENANTCACHETTL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Security.JWTSecret != "from-env" || cfg.Security.TenantCacheTTL != 30*time.Second {
		t.Fatalf("security = %+v", cfg.Security)
	}
}

func TestValidateIdentityNeedsClientID(t *testing.T) {
	cfg := &AppConfig{Security: SecurityConfig{JWTSecret: "x"}, Identity: IdentityConfig{Enabled: true}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for identity without client id")
	}
}
