// Package archive fetches byte ranges from Common Crawl WARC containers
// and decodes the nested archive-plus-HTTP capture they contain.
package archive

import "fmt"

// RateLimitedError means the upstream throttled the request and the
// retry budget ran out.
type RateLimitedError struct {
	Status   int
	Attempts int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by upstream (status %d after %d attempts)", e.Status, e.Attempts)
}

// HTTPError is a non-retryable upstream status.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.Status, e.URL)
}

// ParseError means the fetched range did not contain a well-formed
// archive record.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed archive record: %s", e.Reason)
}
