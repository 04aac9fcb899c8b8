package feeds

import (
	"fmt"
	"net/url"
	"time"

	"phishwatch/core"
)

// ProviderType identifies a feed format
type ProviderType string

const (
	// ProviderTypeOTX is the AlienVault Open Threat Exchange pulses API
	ProviderTypeOTX ProviderType = "otx"
	// ProviderTypeDomainList is a plain-text list with one domain or URL per line
	ProviderTypeDomainList ProviderType = "domain_list"
	// ProviderTypeCSV is a CSV feed with a configurable value column
	ProviderTypeCSV ProviderType = "csv"
)

// IsValid checks if the provider type is supported
func (t ProviderType) IsValid() bool {
	switch t {
	case ProviderTypeOTX, ProviderTypeDomainList, ProviderTypeCSV:
		return true
	}
	return false
}

// Provider defaults
const (
	DefaultPageSize   = 50
	DefaultMaxRecords = 1000
	DefaultReputation = 50
	DefaultRateLimit  = 2.0
	DefaultTimeout    = 60 * time.Second
	DefaultMaxBody    = 32 * 1024 * 1024
)

// ProviderConfig configures one feed provider
type ProviderConfig struct {
	Name    string       `mapstructure:"name" json:"name" yaml:"name"`
	Type    ProviderType `mapstructure:"type" json:"type" yaml:"type"`
	Enabled bool         `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	BaseURL string       `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	APIKey  string       `mapstructure:"api_key" json:"-" yaml:"-"`

	// PageSize is the page size for paginated APIs
	PageSize int `mapstructure:"page_size" json:"page_size" yaml:"page_size"`
	// MaxRecords caps the number of records returned per fetch
	MaxRecords int `mapstructure:"max_records" json:"max_records" yaml:"max_records"`
	// Reputation (0-100) weights this source in the confidence blend
	Reputation int `mapstructure:"reputation" json:"reputation" yaml:"reputation"`
	// DefaultThreatType applies when a record carries no usable category.
	// Empty leaves the choice to the classifier.
	DefaultThreatType core.ThreatType `mapstructure:"default_threat_type" json:"default_threat_type" yaml:"default_threat_type"`
	// RateLimit is requests per second against this feed; zero or less disables limiting
	RateLimit float64       `mapstructure:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	Timeout   time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	Tags      []string      `mapstructure:"tags" json:"tags,omitempty" yaml:"tags,omitempty"`

	// CSV options. Columns are 1-based; zero disables an optional column.
	ValueColumn      int    `mapstructure:"value_column" json:"value_column" yaml:"value_column"`
	ThreatTypeColumn int    `mapstructure:"threat_type_column" json:"threat_type_column" yaml:"threat_type_column"`
	ConfidenceColumn int    `mapstructure:"confidence_column" json:"confidence_column" yaml:"confidence_column"`
	SkipHeader       bool   `mapstructure:"skip_header" json:"skip_header" yaml:"skip_header"`
	CommentChar      string `mapstructure:"comment_char" json:"comment_char" yaml:"comment_char"`
}

// WithDefaults returns a copy with zero values replaced by defaults
func (c ProviderConfig) WithDefaults() ProviderConfig {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = DefaultMaxRecords
	}
	if c.Reputation <= 0 {
		c.Reputation = DefaultReputation
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	// Phishing lists carry their category implicitly. Other feeds leave
	// unlabeled records empty so the classifier can infer a type.
	if c.DefaultThreatType == "" && c.Type == ProviderTypeDomainList {
		c.DefaultThreatType = core.ThreatTypePhishing
	}
	if c.Type == ProviderTypeCSV && c.ValueColumn == 0 {
		c.ValueColumn = 1
	}
	if c.CommentChar == "" {
		c.CommentChar = "#"
	}
	if c.Type == ProviderTypeOTX && c.BaseURL == "" {
		c.BaseURL = otxBaseURL
	}
	return c
}

// Validate checks the provider configuration
func (c ProviderConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if !c.Type.IsValid() {
		return fmt.Errorf("%w: %q (provider %s)", ErrUnsupportedType, c.Type, c.Name)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("%w: provider %s: base_url is required", ErrInvalidConfig, c.Name)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: provider %s: base_url must be an http(s) URL", ErrInvalidConfig, c.Name)
	}
	if c.Type == ProviderTypeOTX && c.APIKey == "" {
		return fmt.Errorf("%w: provider %s: OTX requires api_key", ErrInvalidConfig, c.Name)
	}
	if c.Reputation < 0 || c.Reputation > 100 {
		return fmt.Errorf("%w: provider %s: reputation must be 0-100", ErrInvalidConfig, c.Name)
	}
	if c.DefaultThreatType != "" && !c.DefaultThreatType.IsValid() {
		return fmt.Errorf("%w: provider %s: unknown default_threat_type %q", ErrInvalidConfig, c.Name, c.DefaultThreatType)
	}
	if c.Type == ProviderTypeCSV && (c.ValueColumn < 1 || c.ThreatTypeColumn < 0 || c.ConfidenceColumn < 0) {
		return fmt.Errorf("%w: provider %s: csv columns must be 1-based", ErrInvalidConfig, c.Name)
	}
	if len(c.CommentChar) > 1 {
		return fmt.Errorf("%w: provider %s: comment_char must be a single character", ErrInvalidConfig, c.Name)
	}
	return nil
}
