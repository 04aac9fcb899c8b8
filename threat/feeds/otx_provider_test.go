package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"phishwatch/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func otxPage(next bool, pulses ...otxPulse) otxPulseResponse {
	resp := otxPulseResponse{Results: pulses, Count: len(pulses)}
	if next {
		resp.NextURL = "more"
	}
	return resp
}

func newOTXTestProvider(t *testing.T, baseURL string, maxRecords int) *OTXProvider {
	t.Helper()
	p, err := NewOTXProvider(ProviderConfig{
		Name:       "otx",
		Type:       ProviderTypeOTX,
		BaseURL:    baseURL,
		APIKey:     "secret",
		PageSize:   2,
		MaxRecords: maxRecords,
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	p.fetcher.baseBackoff = time.Millisecond
	return p
}

func TestOTXProvider_PaginatesAndMaps(t *testing.T) {
	var (
		mu    sync.Mutex
		pages []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-OTX-API-KEY"))
		assert.Equal(t, "/pulses/subscribed", r.URL.Path)
		page := r.URL.Query().Get("page")
		mu.Lock()
		pages = append(pages, page)
		mu.Unlock()

		var resp otxPulseResponse
		switch page {
		case "1":
			resp = otxPage(true, otxPulse{
				ID: "p1", Name: "Bank credential phishing", Tags: []string{"phishing", "banking"},
				Indicators: []otxIndicator{
					{Indicator: "login-bank.example", Type: "domain"},
					{Indicator: "http://login-bank.example/verify", Type: "URL"},
					{Indicator: "CVE-2024-0001", Type: "CVE"},
				},
			})
		case "2":
			resp = otxPage(false, otxPulse{
				ID: "p2", Name: "Stealer drop", MalwareFamilies: []interface{}{"RedLine"},
				Indicators: []otxIndicator{
					{Indicator: "d41d8cd98f00b204e9800998ecf8427e", Type: "FileHash-MD5", Description: "payload"},
				},
			})
		default:
			t.Errorf("unexpected page %s", page)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newOTXTestProvider(t, server.URL, 100)
	threats, err := p.FetchThreats(context.Background())
	require.NoError(t, err)
	require.Len(t, threats, 3, "unsupported CVE indicator is skipped")

	assert.Equal(t, []string{"1", "2"}, pages)

	assert.Equal(t, core.IndicatorTypeDomain, threats[0].IndicatorType)
	assert.Equal(t, core.ThreatTypePhishing, threats[0].ThreatType)
	assert.Equal(t, "Bank credential phishing", threats[0].Description)
	assert.Equal(t, []string{"phishing", "banking"}, threats[0].Tags)
	assert.Equal(t, "otx", threats[0].Source)
	assert.Nil(t, threats[0].Confidence)

	assert.Equal(t, core.IndicatorTypeURL, threats[1].IndicatorType)

	assert.Equal(t, core.IndicatorTypeHash, threats[2].IndicatorType)
	assert.Equal(t, core.ThreatTypeMalware, threats[2].ThreatType)
	assert.Equal(t, "payload", threats[2].Description)
}

func TestOTXProvider_RecordCap(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var indicators []otxIndicator
		for i := 0; i < 5; i++ {
			indicators = append(indicators, otxIndicator{Indicator: fmt.Sprintf("d%s-%d.example", r.URL.Query().Get("page"), i), Type: "domain"})
		}
		_ = json.NewEncoder(w).Encode(otxPage(true, otxPulse{ID: "p", Indicators: indicators}))
	}))
	defer server.Close()

	p := newOTXTestProvider(t, server.URL, 7)
	threats, err := p.FetchThreats(context.Background())
	require.NoError(t, err)
	assert.Len(t, threats, 7)
	assert.Equal(t, 2, calls, "pagination stops once the cap is reached")
}

func TestOTXProvider_IncrementalCursor(t *testing.T) {
	var (
		mu     sync.Mutex
		sinces []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sinces = append(sinces, r.URL.Query().Get("modified_since"))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(otxPage(false))
	}))
	defer server.Close()

	p := newOTXTestProvider(t, server.URL, 10)

	threats, err := p.FetchThreats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, threats, "an empty feed is not an error")

	// no commit yet: the window is fetched again
	_, err = p.FetchThreats(context.Background())
	require.NoError(t, err)

	committed := time.Date(2024, 7, 1, 12, 30, 0, 0, time.UTC)
	p.Commit(committed)
	p.Commit(committed.Add(-time.Hour))
	_, err = p.FetchThreats(context.Background())
	require.NoError(t, err)

	require.Len(t, sinces, 3)
	assert.Equal(t, "", sinces[0])
	assert.Equal(t, "", sinces[1])
	assert.Equal(t, "2024-07-01T12:30:00", sinces[2])
}

func TestGuardedProvider_ForwardsCommit(t *testing.T) {
	var since string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		since = r.URL.Query().Get("modified_since")
		_ = json.NewEncoder(w).Encode(otxPage(false))
	}))
	defer server.Close()

	breaker, err := core.NewCircuitBreaker(core.DefaultCircuitBreakerConfig())
	require.NoError(t, err)
	guarded := WithCircuitBreaker(newOTXTestProvider(t, server.URL, 10), breaker, zaptest.NewLogger(t).Sugar())

	c, ok := guarded.(Committer)
	require.True(t, ok)
	c.Commit(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

	_, err = guarded.FetchThreats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T03:04:05", since)
}

func TestOTXProvider_AuthFailure(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	p := newOTXTestProvider(t, server.URL, 10)
	_, err := p.FetchThreats(context.Background())
	assert.ErrorIs(t, err, core.ErrFeedUnavailable)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, 1, calls, "auth failures are not retried")
}

func TestOTXProvider_MalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer server.Close()

	p := newOTXTestProvider(t, server.URL, 10)
	_, err := p.FetchThreats(context.Background())
	assert.ErrorIs(t, err, core.ErrFeedUnavailable)
	assert.ErrorIs(t, err, ErrParseFailed)
}

func TestOTXProvider_RequiresAPIKey(t *testing.T) {
	_, err := NewOTXProvider(ProviderConfig{Name: "otx", Type: ProviderTypeOTX}, zaptest.NewLogger(t).Sugar())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMapOTXType(t *testing.T) {
	tests := map[string]core.IndicatorType{
		"domain":          core.IndicatorTypeDomain,
		"hostname":        core.IndicatorTypeDomain,
		"URL":             core.IndicatorTypeURL,
		"FileHash-SHA256": core.IndicatorTypeHash,
		"IPv4":            core.IndicatorTypeIP,
	}
	for otxType, want := range tests {
		got, ok := mapOTXType(otxType)
		assert.True(t, ok, otxType)
		assert.Equal(t, want, got, otxType)
	}
	_, ok := mapOTXType("email")
	assert.False(t, ok)
}

func TestThreatTypeFromLabels(t *testing.T) {
	assert.Equal(t, core.ThreatTypePhishing, threatTypeFromLabels([]string{"Phishing Kit"}, core.ThreatTypeOther))
	assert.Equal(t, core.ThreatTypeMalware, threatTypeFromLabels([]string{"ransomware"}, core.ThreatTypeOther))
	assert.Equal(t, core.ThreatTypeSpam, threatTypeFromLabels([]string{"spam-campaign"}, core.ThreatTypeOther))
	assert.Equal(t, core.ThreatTypeOther, threatTypeFromLabels([]string{"apt"}, core.ThreatTypeOther))
	assert.Equal(t, core.ThreatTypeSpam, threatTypeFromLabels(nil, core.ThreatTypeSpam))
}

func TestOTXPageURL(t *testing.T) {
	p := newOTXTestProvider(t, "https://otx.example/api/v1/", 10)
	u := p.pageURL(3, time.Time{})
	assert.Contains(t, u, "https://otx.example/api/v1/pulses/subscribed?")
	assert.Contains(t, u, "page=3")
	assert.Contains(t, u, "limit="+strconv.Itoa(2))
	assert.NotContains(t, u, "modified_since")
}
