package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"phishwatch/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const samplePhishList = `# phishing domain list
# updated hourly

Secure-Login.Example
http://paypa1-verify.example/signin
0.0.0.0 wallet-update.example
another.example
`

func TestParseDomainList(t *testing.T) {
	cfg := ProviderConfig{Name: "phishlist", Type: ProviderTypeDomainList, BaseURL: "https://x.example", Tags: []string{"community"}}.WithDefaults()

	threats, err := parseDomainList([]byte(samplePhishList), cfg)
	require.NoError(t, err)
	require.Len(t, threats, 4)

	assert.Equal(t, "Secure-Login.Example", threats[0].Domain)
	assert.Empty(t, threats[0].URL)
	assert.Equal(t, core.ThreatTypePhishing, threats[0].ThreatType, "lists default to phishing")
	assert.Equal(t, []string{"community"}, threats[0].Tags)
	assert.Equal(t, "phishlist", threats[0].Source)

	assert.Equal(t, "http://paypa1-verify.example/signin", threats[1].URL)
	assert.Equal(t, "wallet-update.example", threats[2].Domain, "hosts format keeps the last field")
}

func TestParseDomainList_Cap(t *testing.T) {
	cfg := ProviderConfig{Name: "phishlist", Type: ProviderTypeDomainList, MaxRecords: 2}.WithDefaults()
	threats, err := parseDomainList([]byte(samplePhishList), cfg)
	require.NoError(t, err)
	require.Len(t, threats, 2)
	assert.Equal(t, "Secure-Login.Example", threats[0].Domain, "the head of the list is kept")
}

func TestDomainListProvider_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(samplePhishList))
	}))
	defer server.Close()

	p, err := NewDomainListProvider(ProviderConfig{Name: "phishlist", BaseURL: server.URL}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer p.Close()

	threats, err := p.FetchThreats(context.Background())
	require.NoError(t, err)
	assert.Len(t, threats, 4)
	assert.Equal(t, "phishlist", p.Name())
}

func TestDomainListProvider_EmptyList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# nothing today\n"))
	}))
	defer server.Close()

	p, err := NewDomainListProvider(ProviderConfig{Name: "phishlist", BaseURL: server.URL}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	threats, err := p.FetchThreats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, threats)
}

func TestDomainListProvider_NotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	p, err := NewDomainListProvider(ProviderConfig{Name: "phishlist", BaseURL: server.URL}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	_, err = p.FetchThreats(context.Background())
	assert.ErrorIs(t, err, core.ErrFeedUnavailable)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}
