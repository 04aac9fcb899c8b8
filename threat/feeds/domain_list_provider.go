package feeds

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"phishwatch/core"

	"go.uber.org/zap"
)

// DomainListProvider reads a plain-text list of phishing domains or URLs,
// one per line. Lists are published newest first, so the cap keeps the head.
type DomainListProvider struct {
	cfg     ProviderConfig
	fetcher *httpFetcher
	logger  *zap.SugaredLogger
}

var _ Provider = (*DomainListProvider)(nil)

// NewDomainListProvider creates a plain-text list provider
func NewDomainListProvider(cfg ProviderConfig, logger *zap.SugaredLogger) (*DomainListProvider, error) {
	cfg.Type = ProviderTypeDomainList
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &DomainListProvider{
		cfg:     cfg,
		fetcher: newHTTPFetcher(cfg, map[string]string{"Accept": "text/plain"}, logger),
		logger:  logger,
	}, nil
}

// Name returns the provider name
func (p *DomainListProvider) Name() string {
	return p.cfg.Name
}

// FetchThreats downloads the list and maps each line to a RawThreat
func (p *DomainListProvider) FetchThreats(ctx context.Context) ([]core.RawThreat, error) {
	body, err := p.fetcher.get(ctx, p.cfg.BaseURL)
	if err != nil {
		return nil, core.NewFeedUnavailable(p.cfg.Name, err)
	}

	threats, err := parseDomainList(body, p.cfg)
	if err != nil {
		return nil, core.NewFeedUnavailable(p.cfg.Name, err)
	}
	return threats, nil
}

// Close releases idle connections
func (p *DomainListProvider) Close() error {
	p.fetcher.close()
	return nil
}

// parseDomainList skips blank and comment lines and stops at MaxRecords
func parseDomainList(body []byte, cfg ProviderConfig) ([]core.RawThreat, error) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	threats := make([]core.RawThreat, 0, min(cfg.MaxRecords, 1024))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, cfg.CommentChar) {
			continue
		}
		// Some lists use "hosts" format: "0.0.0.0 evil.com"
		if fields := strings.Fields(line); len(fields) > 1 {
			line = fields[len(fields)-1]
		}

		raw := core.RawThreat{
			ThreatType: cfg.DefaultThreatType,
			Tags:       cfg.Tags,
			Source:     cfg.Name,
		}
		if strings.Contains(line, "://") {
			raw.URL = line
		} else {
			raw.Domain = line
		}
		threats = append(threats, raw)

		if len(threats) >= cfg.MaxRecords {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	return threats, nil
}
