package bootstrap

import (
	"fmt"
	"io"

	"phishwatch/config"
	"phishwatch/notify"
	"phishwatch/threat"
	"phishwatch/threat/feeds"

	"go.uber.org/zap"
)

// EngineComponents holds the ingestion pipeline and its event sinks.
type EngineComponents struct {
	Providers    []feeds.Provider
	Classifier   *threat.Classifier
	Aggregator   *threat.Aggregator
	Publisher    *notify.MultiPublisher
	NATS         *notify.NATSPublisher // nil unless events.nats.enabled
	Orchestrator *threat.Orchestrator
}

// Close releases provider and publisher connections
func (e *EngineComponents) Close() {
	for _, p := range e.Providers {
		if c, ok := p.(io.Closer); ok {
			_ = c.Close()
		}
	}
	if e.NATS != nil {
		e.NATS.Close()
	}
}

// ClassifierConfigFromConfig maps configuration onto the confidence blend
func ClassifierConfigFromConfig(cfg *config.Config) threat.ClassifierConfig {
	cc := threat.DefaultClassifierConfig()
	cc.Reputation = feeds.Reputations(cfg.ThreatIntel.Providers)
	cc.FeedWeight = cfg.ThreatIntel.FeedWeight
	cc.KeywordBonus = cfg.ThreatIntel.KeywordBonus
	if len(cfg.ThreatIntel.Keywords) > 0 {
		cc.Keywords = cfg.ThreatIntel.Keywords
	}
	return cc
}

// AggregatorConfigFromConfig maps configuration onto snapshot shape
func AggregatorConfigFromConfig(cfg *config.Config) threat.AggregatorConfig {
	return threat.AggregatorConfig{
		TopN:           cfg.ThreatIntel.TopN,
		RecentLimit:    cfg.ThreatIntel.RecentLimit,
		BalancedRecent: cfg.ThreatIntel.BalancedRecent,
		Location:       cfg.Location(),
	}
}

// InitPublishers builds the IngestionFinished fan-out. A NATS server that
// cannot be reached is logged and skipped.
func InitPublishers(cfg *config.Config, sugar *zap.SugaredLogger) (*notify.MultiPublisher, *notify.NATSPublisher, error) {
	var targets []notify.Target
	var natsPub *notify.NATSPublisher

	if cfg.Events.Log {
		targets = append(targets, notify.Target{Name: "log", Publisher: notify.NewLogPublisher(sugar)})
	}

	if cfg.Events.NATS.Enabled {
		pub, err := notify.NewNATSPublisher(cfg.Events.NATS.NATSConfig, sugar)
		if err != nil {
			sugar.Warnw("NATS publisher unavailable, continuing without it",
				"error", err,
				"detail", ClassifyConnectionError("NATS", err, cfg.Events.NATS.URL))
		} else {
			natsPub = pub
			targets = append(targets, notify.Target{Name: "nats", Publisher: pub})
		}
	}

	if cfg.Events.Webhook.Enabled {
		pub, err := notify.NewWebhookPublisher(cfg.Events.Webhook.WebhookConfig, cfg.ThreatIntel.CircuitBreaker, sugar)
		if err != nil {
			if natsPub != nil {
				natsPub.Close()
			}
			return nil, nil, fmt.Errorf("failed to create webhook publisher: %w", err)
		}
		targets = append(targets, notify.Target{Name: "webhook", Publisher: pub})
	}

	sugar.Infow("Event publishers configured", "count", len(targets))
	return notify.NewMultiPublisher(sugar, targets...), natsPub, nil
}

// InitEngine builds providers, the classifier, the aggregator and the
// orchestrator on top of the given storage.
func InitEngine(cfg *config.Config, stores *StorageComponents, sugar *zap.SugaredLogger) (*EngineComponents, error) {
	providers, err := feeds.BuildProviders(cfg.ThreatIntel.Providers, cfg.ThreatIntel.CircuitBreaker, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to build feed providers: %w", err)
	}
	if len(providers) == 0 {
		sugar.Warn("No feed providers enabled; ingestion runs will fail until one is configured")
	}

	classifier := threat.NewClassifier(ClassifierConfigFromConfig(cfg))
	aggregator := threat.NewAggregator(stores.Indicators, AggregatorConfigFromConfig(cfg))

	publisher, natsPub, err := InitPublishers(cfg, sugar)
	if err != nil {
		return nil, err
	}

	orchestrator, err := threat.NewOrchestrator(threat.Dependencies{
		Providers:  providers,
		Classifier: classifier,
		Store:      stores.Indicators,
		Analyses:   stores.Analyses,
		Aggregator: aggregator,
		Cache:      stores.SnapshotCache(),
		Publisher:  publisher,
	}, threat.OrchestratorConfig{
		RunDeadline: cfg.ThreatIntel.RunDeadline,
	}, sugar)
	if err != nil {
		if natsPub != nil {
			natsPub.Close()
		}
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	return &EngineComponents{
		Providers:    providers,
		Classifier:   classifier,
		Aggregator:   aggregator,
		Publisher:    publisher,
		NATS:         natsPub,
		Orchestrator: orchestrator,
	}, nil
}
