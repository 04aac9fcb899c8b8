package config

import (
	"os"
	"strings"

	"phishwatch/threat/feeds"
)

// SecretSource resolves secrets that should not live in the config file
type SecretSource interface {
	GetSecret(key string) (string, bool)
}

// EnvSecrets reads secrets from PHISHWATCH_-prefixed environment variables
type EnvSecrets struct{}

// GetSecret returns the value of PHISHWATCH_<KEY>
func (EnvSecrets) GetSecret(key string) (string, bool) {
	value := os.Getenv(EnvPrefix + "_" + strings.ToUpper(key))
	return value, value != ""
}

// providerSecretKey turns a provider name into an env-safe key
func providerSecretKey(name string) string {
	return "PROVIDER_" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name) + "_API_KEY"
}

// ResolveSecrets fills provider API keys and the Redis password from src.
// A per-provider key (PROVIDER_<NAME>_API_KEY) wins over the shared OTX_API_KEY.
func ResolveSecrets(cfg *Config, src SecretSource) {
	for i := range cfg.ThreatIntel.Providers {
		p := &cfg.ThreatIntel.Providers[i]
		if key, ok := src.GetSecret(providerSecretKey(p.Name)); ok {
			p.APIKey = key
			continue
		}
		if p.Type == feeds.ProviderTypeOTX && p.APIKey == "" {
			if key, ok := src.GetSecret("OTX_API_KEY"); ok {
				p.APIKey = key
			}
		}
	}
	if cfg.Cache.Redis.Password == "" {
		if pw, ok := src.GetSecret("REDIS_PASSWORD"); ok {
			cfg.Cache.Redis.Password = pw
		}
	}
}

// Redacted returns a copy safe to print
func (c *Config) Redacted() *Config {
	out := *c
	out.ThreatIntel.Providers = make([]feeds.ProviderConfig, len(c.ThreatIntel.Providers))
	for i, p := range c.ThreatIntel.Providers {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		out.ThreatIntel.Providers[i] = p
	}
	if out.Cache.Redis.Password != "" {
		out.Cache.Redis.Password = "***"
	}
	if len(out.Events.Webhook.Headers) > 0 {
		headers := make(map[string]string, len(out.Events.Webhook.Headers))
		for k := range out.Events.Webhook.Headers {
			headers[k] = "***"
		}
		out.Events.Webhook.Headers = headers
	}
	return &out
}
