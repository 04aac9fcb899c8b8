package threat

import (
	"net/netip"
	"regexp"
	"strings"

	"phishwatch/core"
)

var (
	// domainPattern matches dotted DNS labels ending in an alphabetic TLD
	domainPattern = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)
	hexPattern    = regexp.MustCompile(`^[a-f0-9]+$`)
)

// Normalize maps a raw feed record to a canonical Indicator.
// The primary value is the first non-empty of indicator, url and domain; the
// dedup key is that value trimmed and lower-cased. Confidence and threat type
// are left for the classifier.
func Normalize(raw core.RawThreat) (*core.Indicator, error) {
	primary := primaryValue(raw)
	if primary == "" {
		return nil, &core.NormalizationFailure{Reason: core.ReasonNoIndicatorValue, Source: raw.Source}
	}

	normalized := strings.ToLower(primary)
	indicatorType := raw.IndicatorType
	if !indicatorType.IsValid() {
		indicatorType = InferIndicatorType(normalized)
	}

	return &core.Indicator{
		Indicator:           primary,
		NormalizedIndicator: normalized,
		IndicatorType:       indicatorType,
		Source:              raw.Source,
		Tags:                core.MergeTags(nil, raw.Tags),
		Description:         strings.TrimSpace(raw.Description),
	}, nil
}

// primaryValue returns the trimmed primary value with priority indicator > url > domain
func primaryValue(raw core.RawThreat) string {
	for _, v := range []string{raw.Indicator, raw.URL, raw.Domain} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// InferIndicatorType derives the indicator type from the value's shape.
// It is total: anything unrecognized is a domain.
func InferIndicatorType(value string) core.IndicatorType {
	v := strings.ToLower(strings.TrimSpace(value))

	switch {
	case strings.Contains(v, "://"):
		return core.IndicatorTypeURL
	case isHexHash(v):
		return core.IndicatorTypeHash
	case domainPattern.MatchString(strings.TrimSuffix(v, ".")):
		return core.IndicatorTypeDomain
	case isIPLiteral(v):
		return core.IndicatorTypeIP
	default:
		return core.IndicatorTypeDomain
	}
}

// isHexHash matches MD5, SHA1 and SHA256 hex digests
func isHexHash(v string) bool {
	switch len(v) {
	case 32, 40, 64:
		return hexPattern.MatchString(v)
	}
	return false
}

func isIPLiteral(v string) bool {
	_, err := netip.ParseAddr(strings.Trim(v, "[]"))
	return err == nil
}
