package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/moltnet/moltnet/internal/identity"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Recovery RecoveryConfig
	Webhook  WebhookConfig
	Signing  SigningConfig
	Voucher  VoucherConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type AuthConfig struct {
	IntrospectURL string `mapstructure:"introspect_url"`
	AdminURL      string `mapstructure:"admin_url"` // OAuth2 admin API (client metadata fallback)
	JWKSURL       string `mapstructure:"jwks_url"`
	Issuers       string `mapstructure:"issuers"`   // comma-separated allowed iss values
	Audiences     string `mapstructure:"audiences"` // comma-separated allowed aud values
}

type RecoveryConfig struct {
	Secret         string `mapstructure:"secret"`
	KratosAdminURL string `mapstructure:"kratos_admin_url"`
}

type WebhookConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type SigningConfig struct {
	TimeoutSec int64 `mapstructure:"timeout_sec"`
}

type VoucherConfig struct {
	TTLHours  int64 `mapstructure:"ttl_hours"`
	MaxActive int64 `mapstructure:"max_active"`
}

// IssuerList splits the comma-separated issuer allowlist.
func (a AuthConfig) IssuerList() []string { return splitCSV(a.Issuers) }

// AudienceList splits the comma-separated audience allowlist.
func (a AuthConfig) AudienceList() []string { return splitCSV(a.Audiences) }

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("signing.timeout_sec", 300)
	v.SetDefault("voucher.ttl_hours", 24)
	v.SetDefault("voucher.max_active", 5)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":               "PORT",
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"auth.introspect_url":       "HYDRA_INTROSPECT_URL",
		"auth.admin_url":            "HYDRA_ADMIN_URL",
		"auth.jwks_url":             "JWKS_URL",
		"auth.issuers":              "JWT_ISSUERS",
		"auth.audiences":            "JWT_AUDIENCES",
		"recovery.secret":           "RECOVERY_SECRET",
		"recovery.kratos_admin_url": "KRATOS_ADMIN_URL",
		"webhook.api_key":           "WEBHOOK_API_KEY",
		"signing.timeout_sec":       "SIGNING_TIMEOUT_SEC",
		"voucher.ttl_hours":         "VOUCHER_TTL_HOURS",
		"voucher.max_active":        "VOUCHER_MAX_ACTIVE",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Auth.IntrospectURL, "HYDRA_INTROSPECT_URL"},
		{c.Auth.AdminURL, "HYDRA_ADMIN_URL"},
		{c.Recovery.KratosAdminURL, "KRATOS_ADMIN_URL"},
		{c.Recovery.Secret, "RECOVERY_SECRET"},
		{c.Webhook.APIKey, "WEBHOOK_API_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if len(c.Recovery.Secret) < identity.MinRecoverySecretLen {
		return fmt.Errorf("RECOVERY_SECRET must be at least %d bytes", identity.MinRecoverySecretLen)
	}
	if c.Signing.TimeoutSec <= 0 {
		return fmt.Errorf("SIGNING_TIMEOUT_SEC must be positive")
	}
	return nil
}
