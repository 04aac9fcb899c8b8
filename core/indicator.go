package core

import (
	"strings"
	"time"
)

// IndicatorType is the shape of an indicator value
type IndicatorType string

const (
	IndicatorTypeDomain IndicatorType = "domain"
	IndicatorTypeURL    IndicatorType = "url"
	IndicatorTypeHash   IndicatorType = "hash"
	IndicatorTypeIP     IndicatorType = "ip"
)

// IsValid checks if the indicator type is one of the known types
func (t IndicatorType) IsValid() bool {
	switch t {
	case IndicatorTypeDomain, IndicatorTypeURL, IndicatorTypeHash, IndicatorTypeIP:
		return true
	}
	return false
}

// ThreatType categorizes what an indicator is used for
type ThreatType string

const (
	ThreatTypePhishing ThreatType = "phishing"
	ThreatTypeMalware  ThreatType = "malware"
	ThreatTypeSpam     ThreatType = "spam"
	ThreatTypeOther    ThreatType = "other"
)

// IsValid checks if the threat type is one of the known categories
func (t ThreatType) IsValid() bool {
	switch t {
	case ThreatTypePhishing, ThreatTypeMalware, ThreatTypeSpam, ThreatTypeOther:
		return true
	}
	return false
}

// ParseThreatType maps a free-form feed label to a ThreatType.
// The second return value is false when the label is not recognized.
func ParseThreatType(s string) (ThreatType, bool) {
	tt := ThreatType(strings.ToLower(strings.TrimSpace(s)))
	if tt.IsValid() {
		return tt, true
	}
	return "", false
}

// ThreatLevel is the display bucket derived from confidence and threat type
type ThreatLevel string

const (
	ThreatLevelHigh   ThreatLevel = "high"
	ThreatLevelMedium ThreatLevel = "medium"
	ThreatLevelLow    ThreatLevel = "low"
)

// Confidence thresholds for threat level bucketing
const (
	HighConfidenceThreshold   = 80
	MediumConfidenceThreshold = 60
)

// ThreatLevelFor buckets a confidence score. Phishing is always high.
// Every surface that shows a threat level must go through this function.
func ThreatLevelFor(confidence int, threatType ThreatType) ThreatLevel {
	switch {
	case confidence >= HighConfidenceThreshold || threatType == ThreatTypePhishing:
		return ThreatLevelHigh
	case confidence >= MediumConfidenceThreshold:
		return ThreatLevelMedium
	default:
		return ThreatLevelLow
	}
}

// RawThreat is a single record as mapped by a feed provider, before normalization.
// Indicator, URL and Domain are alternative spellings of the primary value;
// different feeds populate different fields.
type RawThreat struct {
	Indicator     string        `json:"indicator,omitempty"`
	URL           string        `json:"url,omitempty"`
	Domain        string        `json:"domain,omitempty"`
	IndicatorType IndicatorType `json:"indicator_type,omitempty"` // optional, honored when valid
	ThreatType    ThreatType    `json:"threat_type,omitempty"`    // optional hint
	Confidence    *int          `json:"confidence,omitempty"`     // feed-reported, nil when absent
	Tags          []string      `json:"tags,omitempty"`
	Description   string        `json:"description,omitempty"`
	Source        string        `json:"source"`
}

// Indicator is the canonical, deduplicated threat record
type Indicator struct {
	ID                  string        `json:"id"`
	Indicator           string        `json:"indicator"`
	NormalizedIndicator string        `json:"normalized_indicator"`
	IndicatorType       IndicatorType `json:"indicator_type"`
	ThreatType          ThreatType    `json:"threat_type"`
	Source              string        `json:"source"`
	Confidence          int           `json:"confidence"`
	IsActive            bool          `json:"is_active"`
	FirstSeen           time.Time     `json:"first_seen"`
	LastSeen            time.Time     `json:"last_seen"`
	Tags                []string      `json:"tags,omitempty"`
	Description         string        `json:"description,omitempty"`
}

// ThreatLevel returns the display bucket for this indicator
func (i *Indicator) ThreatLevel() ThreatLevel {
	return ThreatLevelFor(i.Confidence, i.ThreatType)
}

// UpsertOutcome reports what the store did with an indicator
type UpsertOutcome string

const (
	UpsertCreated UpsertOutcome = "created"
	UpsertMerged  UpsertOutcome = "merged"
)

// MergeTags returns the union of existing and incoming tags.
// Existing order is kept, new tags are appended in the order they arrive.
func MergeTags(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, tag := range list {
			tag = strings.TrimSpace(tag)
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			merged = append(merged, tag)
		}
	}
	return merged
}
