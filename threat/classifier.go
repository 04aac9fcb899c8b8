package threat

import (
	"math"
	"strings"

	"phishwatch/core"
)

// DefaultPhishingKeywords raise confidence when found in an indicator
var DefaultPhishingKeywords = []string{
	"login", "signin", "sign-in", "verify", "verification", "account", "secure",
	"update", "confirm", "banking", "wallet", "password", "webscr", "paypal", "support",
}

// ClassifierConfig tunes the confidence blend
type ClassifierConfig struct {
	// Reputation is the per-source weight (0-100)
	Reputation map[string]int
	// DefaultReputation applies to sources without an entry
	DefaultReputation int
	// FeedWeight is the share of feed-reported confidence in the blend (0-1)
	FeedWeight float64
	// Keywords found in the indicator add KeywordBonus
	Keywords     []string
	KeywordBonus int
}

// DefaultClassifierConfig returns the default blend
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Reputation:        map[string]int{},
		DefaultReputation: 50,
		FeedWeight:        0.6,
		Keywords:          DefaultPhishingKeywords,
		KeywordBonus:      15,
	}
}

// Classification is the classifier's verdict for a record
type Classification struct {
	Confidence int
	ThreatType core.ThreatType
}

// Classifier assigns confidence and threat type from source reputation,
// feed-reported confidence and indicator content.
type Classifier struct {
	cfg      ClassifierConfig
	keywords []string
}

// NewClassifier creates a classifier
func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.FeedWeight < 0 || cfg.FeedWeight > 1 {
		cfg.FeedWeight = 0.6
	}
	keywords := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	return &Classifier{cfg: cfg, keywords: keywords}
}

// Classify scores a raw record owned by source.
// With a feed confidence the score is a weighted blend with the source
// reputation, otherwise the reputation alone. A keyword hit adds a fixed
// bonus and the result is clamped to 0-100.
func (c *Classifier) Classify(raw core.RawThreat, source string) Classification {
	reputation, ok := c.cfg.Reputation[source]
	if !ok {
		reputation = c.cfg.DefaultReputation
	}
	reputation = clamp(reputation)

	score := float64(reputation)
	if raw.Confidence != nil {
		feed := float64(clamp(*raw.Confidence))
		score = c.cfg.FeedWeight*feed + (1-c.cfg.FeedWeight)*float64(reputation)
	}
	confidence := int(math.Round(score))

	keywordHit := c.hasKeyword(raw)
	if keywordHit {
		confidence += c.cfg.KeywordBonus
	}

	threatType := raw.ThreatType
	if !threatType.IsValid() {
		if keywordHit {
			threatType = core.ThreatTypePhishing
		} else {
			threatType = core.ThreatTypeOther
		}
	}

	return Classification{Confidence: clamp(confidence), ThreatType: threatType}
}

func (c *Classifier) hasKeyword(raw core.RawThreat) bool {
	if len(c.keywords) == 0 {
		return false
	}
	haystack := strings.ToLower(raw.Indicator + " " + raw.URL + " " + raw.Domain)
	for _, k := range c.keywords {
		if strings.Contains(haystack, k) {
			return true
		}
	}
	return false
}

func clamp(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
