package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/docfoundry/docxharvest/internal/cdx"
)

// Limiter is the pacing contract the fetcher needs: one Acquire per
// outbound request, feedback after every response.
type Limiter interface {
	Acquire(ctx context.Context) error
	ReportSuccess()
	ReportError(status int)
}

// Config tunes the archive fetcher.
type Config struct {
	// BaseURL is the container host (default https://data.commoncrawl.org).
	BaseURL string
	// UserAgent is sent on every request and must stay stable within a run.
	UserAgent string
	// Timeout bounds each attempt, including the body read (default 45s).
	Timeout time.Duration
	// MaxRetries is the total attempt budget per record (default 3).
	MaxRetries int
	// BackoffBase scales the retry waits: attempt n sleeps base doublings,
	// 2s then 4s then 8s at the default of one second.
	BackoffBase time.Duration
	// MaxBackoff caps a single retry wait (default 60s).
	MaxBackoff time.Duration
}

const (
	defaultBaseURL     = "https://data.commoncrawl.org"
	defaultUserAgent   = "docxharvest/1.0 (+https://github.com/docfoundry/docxharvest)"
	defaultTimeout     = 45 * time.Second
	defaultMaxRetries  = 3
	defaultBackoffBase = time.Second
	defaultMaxBackoff  = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// Result is the decoded payload of one archive record fetch.
type Result struct {
	// Content is the captured response body.
	Content []byte
	// HTTPStatus is the status of the captured response inside the
	// container, not of the range request that retrieved it.
	HTTPStatus int
	// ContentType is the captured Content-Type, empty when absent.
	ContentType string
	// ContentLength is len(Content).
	ContentLength int
}

// Fetcher retrieves single records out of archive containers with ranged
// GETs. All workers of a crawl share one Fetcher and its Limiter.
type Fetcher struct {
	client  *http.Client
	limiter Limiter
	cfg     Config
	logger  *zap.Logger
}

// NewFetcher builds a Fetcher on the shared limiter. The underlying
// client carries no global timeout; each attempt gets its own deadline.
func NewFetcher(cfg Config, limiter Limiter, logger *zap.Logger) (*Fetcher, error) {
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:  &http.Client{},
		limiter: limiter,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}, nil
}

// isThrottleStatus reports whether the upstream status signals pacing
// trouble worth retrying and shrinking the rate for.
func isThrottleStatus(status int) bool {
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// Fetch retrieves the byte range named by rec, decompresses it, and
// decodes the nested capture. Throttling statuses and network failures
// retry on a doubling schedule within the attempt budget; other HTTP
// statuses and malformed records fail immediately with typed errors.
func (f *Fetcher) Fetch(ctx context.Context, rec cdx.Record) (*Result, error) {
	offset, err := rec.OffsetBytes()
	if err != nil {
		return nil, fmt.Errorf("record offset: %w", err)
	}
	length, err := rec.LengthBytes()
	if err != nil {
		return nil, fmt.Errorf("record length: %w", err)
	}
	if length <= 0 {
		return nil, fmt.Errorf("record length must be positive, got %d", length)
	}
	url := strings.TrimSuffix(f.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(rec.Filename, "/")

	var (
		result   *Result
		attempts int
	)
	operation := func() error {
		attempts++
		if err := f.limiter.Acquire(ctx); err != nil {
			return backoff.Permanent(err)
		}
		res, err := f.attempt(ctx, url, offset, length)
		if err == nil {
			f.limiter.ReportSuccess()
			result = res
			return nil
		}

		var httpErr *HTTPError
		var parseErr *ParseError
		switch {
		case errors.As(err, &httpErr):
			f.limiter.ReportError(httpErr.Status)
			if isThrottleStatus(httpErr.Status) {
				f.logger.Debug("archive fetch throttled",
					zap.String("url", url),
					zap.Int("status", httpErr.Status),
					zap.Int("attempt", attempts))
				return err
			}
			return backoff.Permanent(err)
		case errors.As(err, &parseErr):
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			return backoff.Permanent(err)
		default:
			// Network trouble or an expired attempt deadline. The streak
			// resets but the rate stays put.
			f.limiter.ReportError(0)
			f.logger.Debug("archive fetch failed, retrying",
				zap.String("url", url),
				zap.Int("attempt", attempts),
				zap.Error(err))
			return err
		}
	}

	if err := backoff.Retry(operation, f.schedule(ctx)); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && isThrottleStatus(httpErr.Status) {
			return nil, &RateLimitedError{Status: httpErr.Status, Attempts: attempts}
		}
		return nil, err
	}
	return result, nil
}

// schedule doubles the wait between attempts without jitter so retry n
// sleeps 2^n backoff-base units, capped at MaxBackoff.
func (f *Fetcher) schedule(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * f.cfg.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = f.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.cfg.MaxRetries-1)), ctx)
}

// attempt issues one ranged GET and decodes the record. Returned errors
// are typed for the caller's retry decision.
func (f *Fetcher) attempt(ctx context.Context, url string, offset, length int64) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build range request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("range get: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, URL: url}
	}

	// A compliant 206 carries at most the requested range; the limit
	// guards against a server that ignores Range and streams the whole
	// container.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, length))
	if err != nil {
		return nil, fmt.Errorf("read range body: %w", err)
	}
	rec, err := ParseRecord(gunzipOrRaw(raw))
	if err != nil {
		return nil, err
	}
	return &Result{
		Content:       rec.Body,
		HTTPStatus:    rec.HTTPStatus,
		ContentType:   rec.ContentType,
		ContentLength: len(rec.Body),
	}, nil
}

// gunzipOrRaw decompresses data, falling back to the input bytes when
// they are not gzip or the stream is torn.
func gunzipOrRaw(data []byte) []byte {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return data
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return data
	}
	return out
}
