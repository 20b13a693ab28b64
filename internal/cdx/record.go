// Package cdx reads candidate downloads from filtered Common Crawl
// index shards. The upstream batch job writes one JSON object per line
// under cdx-filtered/<crawl-id>/; this package decodes those lines and
// also the raw "surt timestamp {json}" form the index servers emit.
package cdx

import (
	"encoding/json"
	"strconv"
	"strings"
)

// WordMIME is the Content-Type of .docx payloads in the index.
const WordMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// Record is one candidate download. Length and Offset are decimal
// strings as the index stores them.
type Record struct {
	URL      string `json:"url"`
	MIME     string `json:"mime"`
	Status   string `json:"status"`
	Digest   string `json:"digest"`
	Length   string `json:"length"`
	Offset   string `json:"offset"`
	Filename string `json:"filename"`
}

// OffsetBytes parses the byte offset within the archive container.
func (r Record) OffsetBytes() (int64, error) {
	return strconv.ParseInt(r.Offset, 10, 64)
}

// LengthBytes parses the byte length of the archive record.
func (r Record) LengthBytes() (int64, error) {
	return strconv.ParseInt(r.Length, 10, 64)
}

// ParseLine decodes one index line into a Record. It accepts both the
// raw "surt timestamp {json}" form and a bare JSON object. Unusable
// lines (blank, no JSON object, malformed JSON, non-Word MIME, non-200
// capture) yield nil rather than an error.
func ParseLine(line string) *Record {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	start := strings.IndexByte(line, '{')
	if start < 0 {
		return nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(line[start:]), &rec); err != nil {
		return nil
	}
	if rec.MIME != WordMIME || rec.Status != "200" {
		return nil
	}
	return &rec
}
