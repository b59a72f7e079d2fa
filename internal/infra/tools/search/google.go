// Package search implements the web search tool on the Google Custom Search JSON API.
package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
)

const (
	DefaultEndpoint = "https://www.googleapis.com/customsearch/v1"
	// pageSize is the API's per-request maximum.
	pageSize   = 10
	maxResults = 50
)

// Config for the Google search tool.
type Config struct {
	Endpoint string
	// Site restricts queries that do not name one.
	DefaultSite string
	Timeout     time.Duration
	RetryMax    int
}

// Google is a threatmodel.Searcher.
type Google struct {
	endpoint    string
	defaultSite string
	client      *retryablehttp.Client
}

var (
	_ threatmodel.Searcher       = (*Google)(nil)
	_ threatmodel.CredentialGate = (*Google)(nil)
)

func New(cfg Config) *Google {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = cfg.RetryMax
	// hand the final response back so quota errors can be told apart
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.Timeout > 0 {
		c.HTTPClient.Timeout = cfg.Timeout
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Google{endpoint: endpoint, defaultSite: cfg.DefaultSite, client: c}
}

// Available reports whether creds carry both Google keys.
func (g *Google) Available(creds threatmodel.Credentials) bool {
	return creds.Has(threatmodel.KeyGoogleSearch) && creds.Has(threatmodel.KeyGoogleCSE)
}

// Search pages through results until NumResults hits are collected or the
// API runs out.
func (g *Google) Search(ctx context.Context, q threatmodel.SearchQuery, creds threatmodel.Credentials) ([]threatmodel.SearchResult, error) {
	key, cx := creds.Get(threatmodel.KeyGoogleSearch), creds.Get(threatmodel.KeyGoogleCSE)
	if key == "" || cx == "" {
		return nil, &threatmodel.ConfigurationError{Key: threatmodel.KeyGoogleSearch, Message: "Google API key or CSE ID not configured"}
	}

	want := q.NumResults
	switch {
	case want <= 0:
		want = 5
	case want > maxResults:
		want = maxResults
	}
	site := q.Site
	if site == "" {
		site = g.defaultSite
	}
	query := q.Query
	if site != "" {
		query = "site:" + site + " " + query
	}

	results := make([]threatmodel.SearchResult, 0, want)
	for start := 1; len(results) < want; start += pageSize {
		params := url.Values{}
		params.Set("key", key)
		params.Set("cx", cx)
		params.Set("q", query)
		params.Set("num", strconv.Itoa(min(want-len(results), pageSize)))
		params.Set("start", strconv.Itoa(start))

		items, err := g.page(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			results = append(results, threatmodel.SearchResult{
				Title:   item.Get("title").String(),
				Link:    item.Get("link").String(),
				Snippet: item.Get("snippet").String(),
			})
			if len(results) == want {
				break
			}
		}
		if len(items) < pageSize {
			break
		}
	}
	return results, nil
}

func (g *Google) page(ctx context.Context, params url.Values) ([]gjson.Result, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google search: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("google search: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("google search: %s: %w", msg, threatmodel.ErrQuotaExceeded)
		}
		return nil, fmt.Errorf("google search: status %d: %s", resp.StatusCode, msg)
	}
	return gjson.GetBytes(body, "items").Array(), nil
}
