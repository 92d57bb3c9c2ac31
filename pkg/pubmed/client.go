// Package pubmed is a minimal client for the NCBI E-utilities literature
// index: esearch for PMID discovery and esummary for record metadata.
package pubmed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config configures the PubMed client.
type Config struct {
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	RatePerSec  float64 `mapstructure:"rate_per_sec"`
	TimeoutSecs int     `mapstructure:"timeout_secs"`
	MaxRetries  int     `mapstructure:"max_retries"`
}

// Summary is the subset of an esummary record the matcher consumes.
type Summary struct {
	PMID    string     `json:"pmid"`
	Title   string     `json:"title"`
	Journal string     `json:"journal,omitempty"`
	DOI     string     `json:"doi,omitempty"`
	PubDate *time.Time `json:"pub_date,omitempty"`
}

// Index is the lookup surface consumed by the matcher; satisfied by Client
// and by test fakes.
type Index interface {
	Search(ctx context.Context, term string) ([]string, error)
	Summaries(ctx context.Context, pmids []string) ([]Summary, error)
}

// Client talks to the E-utilities endpoints with cooperative rate limiting.
// NCBI allows 3 req/s without an API key, 10 req/s with one.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
	retries int
	log     *zap.Logger
}

var _ Index = (*Client)(nil)

// New creates a PubMed client.
func New(cfg Config) *Client {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 3
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
		retries: cfg.MaxRetries,
		log:     zap.L().With(zap.String("component", "pubmed")),
	}
}

// Search runs an esearch query and returns the matching PMIDs.
func (c *Client) Search(ctx context.Context, term string) ([]string, error) {
	params := url.Values{
		"db":      {"pubmed"},
		"term":    {term},
		"retmode": {"json"},
		"retmax":  {"50"},
	}
	body, err := c.get(ctx, "/esearch.fcgi", params)
	if err != nil {
		return nil, eris.Wrap(err, "pubmed: esearch")
	}

	var resp struct {
		ESearchResult struct {
			IDList []string `json:"idlist"`
		} `json:"esearchresult"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "pubmed: decode esearch response")
	}

	pmids := make([]string, 0, len(resp.ESearchResult.IDList))
	for _, id := range resp.ESearchResult.IDList {
		if ValidPMID(id) {
			pmids = append(pmids, id)
		}
	}
	return pmids, nil
}

// Summaries fetches esummary metadata for a batch of PMIDs. Unknown ids are
// skipped, not errors.
func (c *Client) Summaries(ctx context.Context, pmids []string) ([]Summary, error) {
	if len(pmids) == 0 {
		return nil, nil
	}
	params := url.Values{
		"db":      {"pubmed"},
		"id":      {strings.Join(pmids, ",")},
		"retmode": {"json"},
	}
	body, err := c.get(ctx, "/esummary.fcgi", params)
	if err != nil {
		return nil, eris.Wrap(err, "pubmed: esummary")
	}
	return parseSummaries(body, pmids)
}

// get performs one rate-limited GET with retry on 5xx/429.
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
	fullURL := c.baseURL + path + "?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "pubmed: rate limiter")
		}
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			c.log.Debug("retrying request",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, retryable, err := c.doOnce(ctx, fullURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, eris.Wrapf(lastErr, "pubmed: giving up after %d retries", c.retries)
}

func (c *Client) doOnce(ctx context.Context, fullURL string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "pubmed: build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, eris.Wrap(err, "pubmed: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, eris.Errorf("pubmed: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, eris.Errorf("pubmed: status %d", resp.StatusCode)
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, eris.Wrap(err, "pubmed: read body")
	}
	return body, false, nil
}

// IDSearchTerm wraps a bare registry identifier so esearch matches it in
// any field ("NCT01234567" appears in the secondary-source-id field).
func IDSearchTerm(id string) string {
	return fmt.Sprintf("%q", id)
}

// DOISearchTerm restricts a query to the article-identifier field.
func DOISearchTerm(doi string) string {
	return fmt.Sprintf("%q[AID]", doi)
}
