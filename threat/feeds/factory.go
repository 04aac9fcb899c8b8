package feeds

import (
	"fmt"

	"phishwatch/core"

	"go.uber.org/zap"
)

// NewProvider builds a provider for the configured feed type
func NewProvider(cfg ProviderConfig, logger *zap.SugaredLogger) (Provider, error) {
	switch cfg.Type {
	case ProviderTypeOTX:
		return NewOTXProvider(cfg, logger)
	case ProviderTypeDomainList:
		return NewDomainListProvider(cfg, logger)
	case ProviderTypeCSV:
		return NewCSVProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, cfg.Type)
	}
}

// BuildProviders builds every enabled provider, each behind its own circuit breaker.
// Provider names must be unique because they own their records.
func BuildProviders(cfgs []ProviderConfig, breakerCfg core.CircuitBreakerConfig, logger *zap.SugaredLogger) ([]Provider, error) {
	seen := make(map[string]bool, len(cfgs))
	providers := make([]Provider, 0, len(cfgs))

	for _, cfg := range cfgs {
		if seen[cfg.Name] {
			return nil, fmt.Errorf("%w: duplicate provider name %q", ErrInvalidConfig, cfg.Name)
		}
		seen[cfg.Name] = true
		if !cfg.Enabled {
			logger.Infow("Feed provider disabled", "provider", cfg.Name)
			continue
		}

		p, err := NewProvider(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
		}
		breaker, err := core.NewCircuitBreaker(breakerCfg)
		if err != nil {
			return nil, err
		}
		providers = append(providers, WithCircuitBreaker(p, breaker, logger))
		logger.Infow("Feed provider configured",
			"provider", cfg.Name,
			"type", cfg.Type,
			"max_records", cfg.WithDefaults().MaxRecords)
	}
	return providers, nil
}

// Reputations returns the configured source reputation for every provider
func Reputations(cfgs []ProviderConfig) map[string]int {
	out := make(map[string]int, len(cfgs))
	for _, cfg := range cfgs {
		out[cfg.Name] = cfg.WithDefaults().Reputation
	}
	return out
}
