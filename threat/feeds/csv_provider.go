package feeds

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"phishwatch/core"

	"go.uber.org/zap"
)

// CSVProvider reads a CSV feed with a configurable value column and optional
// threat type and confidence columns.
type CSVProvider struct {
	cfg     ProviderConfig
	fetcher *httpFetcher
	logger  *zap.SugaredLogger
}

var _ Provider = (*CSVProvider)(nil)

// NewCSVProvider creates a CSV feed provider
func NewCSVProvider(cfg ProviderConfig, logger *zap.SugaredLogger) (*CSVProvider, error) {
	cfg.Type = ProviderTypeCSV
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &CSVProvider{
		cfg:     cfg,
		fetcher: newHTTPFetcher(cfg, map[string]string{"Accept": "text/csv"}, logger),
		logger:  logger,
	}, nil
}

// Name returns the provider name
func (p *CSVProvider) Name() string {
	return p.cfg.Name
}

// FetchThreats downloads and parses the CSV feed
func (p *CSVProvider) FetchThreats(ctx context.Context) ([]core.RawThreat, error) {
	body, err := p.fetcher.get(ctx, p.cfg.BaseURL)
	if err != nil {
		return nil, core.NewFeedUnavailable(p.cfg.Name, err)
	}

	threats, skipped, err := parseCSVFeed(body, p.cfg)
	if err != nil {
		return nil, core.NewFeedUnavailable(p.cfg.Name, err)
	}
	if skipped > 0 {
		p.logger.Debugw("Skipped malformed CSV rows", "provider", p.cfg.Name, "skipped", skipped)
	}
	return threats, nil
}

// Close releases idle connections
func (p *CSVProvider) Close() error {
	p.fetcher.close()
	return nil
}

// parseCSVFeed maps CSV rows to RawThreats. Rows without a value are skipped,
// a broken CSV stream fails the fetch.
func parseCSVFeed(body []byte, cfg ProviderConfig) ([]core.RawThreat, int, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	if cfg.CommentChar != "" {
		reader.Comment = rune(cfg.CommentChar[0])
	}

	threats := make([]core.RawThreat, 0, min(cfg.MaxRecords, 1024))
	skipped := 0
	headerPending := cfg.SkipHeader

	for len(threats) < cfg.MaxRecords {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("%w: %v", ErrParseFailed, err)
		}
		if headerPending {
			headerPending = false
			continue
		}

		value := column(record, cfg.ValueColumn)
		if value == "" {
			skipped++
			continue
		}

		raw := core.RawThreat{
			Indicator:  value,
			ThreatType: cfg.DefaultThreatType,
			Tags:       cfg.Tags,
			Source:     cfg.Name,
		}
		if label := column(record, cfg.ThreatTypeColumn); label != "" {
			if tt, ok := core.ParseThreatType(label); ok {
				raw.ThreatType = tt
			} else {
				raw.ThreatType = threatTypeFromLabels([]string{label}, cfg.DefaultThreatType)
			}
		}
		if c := column(record, cfg.ConfidenceColumn); c != "" {
			if n, err := strconv.Atoi(c); err == nil {
				raw.Confidence = &n
			}
		}
		threats = append(threats, raw)
	}
	return threats, skipped, nil
}

// column returns the trimmed 1-based column, or "" when absent or disabled
func column(record []string, idx int) string {
	if idx <= 0 || idx > len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx-1])
}
