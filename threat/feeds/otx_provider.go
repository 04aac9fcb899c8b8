package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"phishwatch/core"

	"go.uber.org/zap"
)

// =============================================================================
// AlienVault OTX Provider
// =============================================================================

const (
	otxBaseURL = "https://otx.alienvault.com/api/v1"

	// maxOTXPages guards against a feed that never stops paginating
	maxOTXPages = 200
)

// OTXProvider reads indicators from subscribed OTX pulses. Once a run that
// used its records completes, it only asks for pulses modified since that run.
type OTXProvider struct {
	cfg     ProviderConfig
	fetcher *httpFetcher
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	lastSync time.Time
}

var (
	_ Provider  = (*OTXProvider)(nil)
	_ Committer = (*OTXProvider)(nil)
)

// NewOTXProvider creates an OTX provider
func NewOTXProvider(cfg ProviderConfig, logger *zap.SugaredLogger) (*OTXProvider, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &OTXProvider{
		cfg:     cfg,
		fetcher: newHTTPFetcher(cfg, map[string]string{"X-OTX-API-KEY": cfg.APIKey, "Accept": "application/json"}, logger),
		logger:  logger,
	}, nil
}

// Name returns the provider name
func (p *OTXProvider) Name() string {
	return p.cfg.Name
}

// FetchThreats walks subscribed pulses, newest first, until MaxRecords is reached
func (p *OTXProvider) FetchThreats(ctx context.Context) ([]core.RawThreat, error) {
	p.mu.Lock()
	since := p.lastSync
	p.mu.Unlock()

	threats := make([]core.RawThreat, 0, min(p.cfg.MaxRecords, 256))
	nextURL := p.pageURL(1, since)

	for page := 1; nextURL != "" && page <= maxOTXPages; page++ {
		body, err := p.fetcher.get(ctx, nextURL)
		if err != nil {
			return nil, core.NewFeedUnavailable(p.cfg.Name, err)
		}

		var resp otxPulseResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, core.NewFeedUnavailable(p.cfg.Name, fmt.Errorf("%w: %v", ErrParseFailed, err))
		}

		for _, pulse := range resp.Results {
			threats = p.appendPulse(threats, pulse)
			if len(threats) >= p.cfg.MaxRecords {
				threats = threats[:p.cfg.MaxRecords]
				p.logger.Infow("OTX fetch reached record cap",
					"provider", p.cfg.Name,
					"max_records", p.cfg.MaxRecords,
					"pages", page)
				return threats, nil
			}
		}

		if len(resp.Results) == 0 || resp.NextURL == "" {
			break
		}
		nextURL = p.pageURL(page+1, since)
	}

	return threats, nil
}

// Commit moves the modified_since cursor forward to since. It never moves back.
func (p *OTXProvider) Commit(since time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if since.After(p.lastSync) {
		p.lastSync = since.UTC()
	}
}

func (p *OTXProvider) pageURL(page int, since time.Time) string {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", strconv.Itoa(p.cfg.PageSize))
	if !since.IsZero() {
		params.Set("modified_since", since.Format("2006-01-02T15:04:05"))
	}
	return fmt.Sprintf("%s/pulses/subscribed?%s", strings.TrimRight(p.cfg.BaseURL, "/"), params.Encode())
}

func (p *OTXProvider) appendPulse(threats []core.RawThreat, pulse otxPulse) []core.RawThreat {
	threatType := threatTypeFromLabels(pulse.Tags, p.cfg.DefaultThreatType)
	if len(pulse.MalwareFamilies) > 0 && (threatType == "" || threatType == core.ThreatTypeOther) {
		threatType = core.ThreatTypeMalware
	}
	tags := core.MergeTags(p.cfg.Tags, pulse.Tags)

	for _, ind := range pulse.Indicators {
		indicatorType, ok := mapOTXType(ind.Type)
		if !ok {
			continue
		}
		if ind.IsActive != nil && *ind.IsActive == 0 {
			continue
		}
		description := ind.Description
		if description == "" {
			description = pulse.Name
		}
		threats = append(threats, core.RawThreat{
			Indicator:     ind.Indicator,
			IndicatorType: indicatorType,
			ThreatType:    threatType,
			Tags:          tags,
			Description:   description,
			Source:        p.cfg.Name,
		})
	}
	return threats
}

// Close releases idle connections
func (p *OTXProvider) Close() error {
	p.fetcher.close()
	return nil
}

// =============================================================================
// OTX API Types
// =============================================================================

type otxPulseResponse struct {
	Results []otxPulse `json:"results"`
	Count   int        `json:"count"`
	NextURL string     `json:"next"`
}

type otxPulse struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Modified        string         `json:"modified"`
	Tags            []string       `json:"tags"`
	MalwareFamilies []interface{}  `json:"malware_families"`
	Indicators      []otxIndicator `json:"indicators"`
}

type otxIndicator struct {
	ID          int64  `json:"id"`
	Indicator   string `json:"indicator"`
	Type        string `json:"type"`
	Description string `json:"description"`
	IsActive    *int   `json:"is_active"`
}

// mapOTXType maps OTX indicator types to ours. Types we do not track are skipped.
func mapOTXType(otxType string) (core.IndicatorType, bool) {
	switch otxType {
	case "domain", "hostname":
		return core.IndicatorTypeDomain, true
	case "URL", "URI":
		return core.IndicatorTypeURL, true
	case "FileHash-MD5", "FileHash-SHA1", "FileHash-SHA256":
		return core.IndicatorTypeHash, true
	case "IPv4", "IPv6":
		return core.IndicatorTypeIP, true
	default:
		return "", false
	}
}

// threatTypeFromLabels picks a threat type from free-form feed labels
func threatTypeFromLabels(labels []string, fallback core.ThreatType) core.ThreatType {
	for _, label := range labels {
		l := strings.ToLower(label)
		switch {
		case strings.Contains(l, "phish"), strings.Contains(l, "credential harvest"):
			return core.ThreatTypePhishing
		case strings.Contains(l, "malware"), strings.Contains(l, "trojan"), strings.Contains(l, "ransomware"),
			strings.Contains(l, "stealer"), strings.Contains(l, "botnet"), strings.Contains(l, "c2"):
			return core.ThreatTypeMalware
		case strings.Contains(l, "spam"):
			return core.ThreatTypeSpam
		}
	}
	return fallback
}
