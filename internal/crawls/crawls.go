// Package crawls resolves which monthly crawl identifiers a run covers.
// The upstream publishes a collection-info endpoint listing crawls newest
// first; explicit ids and the CRAWL_ID environment value take precedence
// over it.
package crawls

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// DefaultEndpoint serves the JSON array of published crawls.
const DefaultEndpoint = "https://index.commoncrawl.org/collinfo.json"

// Crawl is one entry of the crawl-list endpoint.
type Crawl struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Lister yields the published crawls, newest first.
type Lister interface {
	List(ctx context.Context) ([]Crawl, error)
}

// Client fetches the crawl list over HTTP.
type Client struct {
	httpClient *http.Client
	endpoint   string
	logger     *zap.Logger
}

// NewClient builds a Client for the given endpoint, defaulting to the
// public collection-info URL.
func NewClient(endpoint string, logger *zap.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   endpoint,
		logger:     logger,
	}
}

// List fetches and decodes the crawl list. Network failures and 5xx
// responses retry briefly with exponential backoff; client errors fail
// immediately.
func (c *Client) List(ctx context.Context) ([]Crawl, error) {
	var crawls []Crawl
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build crawl list request: %w", err))
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("fetch crawl list: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("crawl list endpoint returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("crawl list endpoint returned %d", resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(&crawls); err != nil {
			return backoff.Permanent(fmt.Errorf("decode crawl list: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	if len(crawls) == 0 {
		return nil, fmt.Errorf("crawl list endpoint returned no crawls")
	}
	c.logger.Debug("fetched crawl list", zap.Int("crawls", len(crawls)))
	return crawls, nil
}

// Resolve picks the crawl ids for a run. Explicit ids win, then the
// environment-supplied id, then the newest lastN entries (at least one)
// from the crawl list.
func Resolve(ctx context.Context, lister Lister, explicit []string, envID string, lastN int) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	if envID != "" {
		return []string{envID}, nil
	}
	if lister == nil {
		return nil, fmt.Errorf("no crawl ids supplied and no crawl list source configured")
	}
	crawls, err := lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve latest crawl: %w", err)
	}
	if lastN < 1 {
		lastN = 1
	}
	if lastN > len(crawls) {
		lastN = len(crawls)
	}
	ids := make([]string, 0, lastN)
	for _, crawl := range crawls[:lastN] {
		ids = append(ids, crawl.ID)
	}
	return ids, nil
}
