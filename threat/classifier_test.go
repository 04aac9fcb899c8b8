package threat

import (
	"testing"

	"phishwatch/core"

	"github.com/stretchr/testify/assert"
)

func TestClassifier_Classify(t *testing.T) {
	cfg := DefaultClassifierConfig()
	cfg.Reputation = map[string]int{"otx": 70, "trusted": 100}
	c := NewClassifier(cfg)

	tests := []struct {
		name       string
		raw        core.RawThreat
		source     string
		confidence int
		threatType core.ThreatType
	}{
		{
			name:       "blend feed confidence with reputation",
			raw:        core.RawThreat{Domain: "evil.com", Confidence: intPtr(90), ThreatType: core.ThreatTypeMalware},
			source:     "otx",
			confidence: 82,
			threatType: core.ThreatTypeMalware,
		},
		{
			name:       "reputation only without feed confidence",
			raw:        core.RawThreat{Domain: "evil.com"},
			source:     "unknown",
			confidence: 50,
			threatType: core.ThreatTypeOther,
		},
		{
			name:       "keyword bonus implies phishing",
			raw:        core.RawThreat{Domain: "paypal-verify.example"},
			source:     "unknown",
			confidence: 65,
			threatType: core.ThreatTypePhishing,
		},
		{
			name:       "hint wins over keyword",
			raw:        core.RawThreat{URL: "http://x.example/login", ThreatType: core.ThreatTypeSpam},
			source:     "unknown",
			confidence: 65,
			threatType: core.ThreatTypeSpam,
		},
		{
			name:       "clamped to 100",
			raw:        core.RawThreat{Domain: "secure-login.example", Confidence: intPtr(100)},
			source:     "trusted",
			confidence: 100,
			threatType: core.ThreatTypePhishing,
		},
		{
			name:       "out of range feed confidence is clamped first",
			raw:        core.RawThreat{Domain: "evil.com", Confidence: intPtr(-40)},
			source:     "unknown",
			confidence: 20,
			threatType: core.ThreatTypeOther,
		},
		{
			name:       "invalid hint falls back",
			raw:        core.RawThreat{Domain: "evil.com", ThreatType: "ransom"},
			source:     "unknown",
			confidence: 50,
			threatType: core.ThreatTypeOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.raw, tt.source)
			assert.Equal(t, tt.confidence, got.Confidence)
			assert.Equal(t, tt.threatType, got.ThreatType)
		})
	}
}

func TestClassifier_NoKeywords(t *testing.T) {
	cfg := DefaultClassifierConfig()
	cfg.Keywords = nil
	c := NewClassifier(cfg)

	got := c.Classify(core.RawThreat{Domain: "paypal-login.example"}, "x")
	assert.Equal(t, 50, got.Confidence)
	assert.Equal(t, core.ThreatTypeOther, got.ThreatType)
}

func TestClassifier_InvalidFeedWeightUsesDefault(t *testing.T) {
	cfg := DefaultClassifierConfig()
	cfg.FeedWeight = 4
	c := NewClassifier(cfg)

	got := c.Classify(core.RawThreat{Domain: "evil.com", Confidence: intPtr(100)}, "x")
	assert.Equal(t, 80, got.Confidence)
}
