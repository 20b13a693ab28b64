package archive

import (
	"bytes"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// crlfPair separates the three tiers of an archive record: the archive
// headers, the captured HTTP headers, and the body.
var crlfPair = []byte("\r\n\r\n")

// statusLine matches the captured HTTP status line. The minor version is
// optional; some older captures write HTTP/2 without one.
var statusLine = regexp.MustCompile(`HTTP/\d+(?:\.\d+)?\s+(\d+)`)

// Record is the decoded inner capture of one archive record.
type Record struct {
	// HTTPStatus is the status code of the captured response, 0 when the
	// status line is missing or unreadable.
	HTTPStatus int
	// ContentType is the captured Content-Type header value, empty when
	// absent.
	ContentType string
	// Body holds the payload bytes after the second header separator.
	Body []byte
}

// ParseRecord splits a gunzipped archive record into its capture status,
// content type and body. The separators are located by byte search; only
// the header slices are treated as text, never the body.
func ParseRecord(data []byte) (*Record, error) {
	first := bytes.Index(data, crlfPair)
	if first < 0 {
		return nil, &ParseError{Reason: "no archive header separator"}
	}
	rest := data[first+len(crlfPair):]
	second := bytes.Index(rest, crlfPair)
	if second < 0 {
		return nil, &ParseError{Reason: "no http header separator"}
	}
	headers := rest[:second]
	body := rest[second+len(crlfPair):]

	rec := &Record{Body: body}
	if m := statusLine.FindSubmatch(headers); m != nil {
		status, err := strconv.Atoi(string(m[1]))
		if err == nil {
			rec.HTTPStatus = status
		}
	}
	for _, line := range strings.Split(string(headers), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Type") {
			rec.ContentType = strings.TrimSpace(value)
			break
		}
	}
	return rec, nil
}

// BuildRecord frames status, content type and body the way archive
// containers store captures. It is the inverse of ParseRecord and exists
// for tests and fixtures.
func BuildRecord(status int, contentType string, body []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "WARC/1.0\r\nWARC-Type: response\r\nContent-Length: %d\r\n\r\n", len(body))
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	if contentType != "" {
		fmt.Fprintf(&buf, "Content-Type: %s\r\n", contentType)
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}
