// Package extract turns uploaded documents into plain text and
// structured output. The default engine is a pool of long-lived
// extractor subprocesses speaking a line-delimited JSON protocol; a
// native in-process engine serves as fallback when no command is
// configured.
package extract

import (
	"context"
	"encoding/json"
)

// Result is one extractor response. Field names follow the subprocess
// wire format; Extraction carries the engine's structured document
// verbatim.
type Result struct {
	Success            bool            `json:"success"`
	Text               string          `json:"text,omitempty"`
	WordCount          int32           `json:"wordCount"`
	CharCount          int32           `json:"charCount"`
	TableCount         int32           `json:"tableCount"`
	ImageCount         int32           `json:"imageCount"`
	Language           string          `json:"language,omitempty"`
	LanguageConfidence float64         `json:"languageConfidence,omitempty"`
	Extraction         json.RawMessage `json:"extraction,omitempty"`
	Error              string          `json:"error,omitempty"`
}

// Engine extracts one local file at a time. An Engine instance is owned
// by a single worker; only Restart may be called from another goroutine
// (the stall watchdog).
type Engine interface {
	// Start brings the engine up if it is not running. It is cheap when
	// the engine is already live, so workers call it before every claim.
	Start(ctx context.Context) error
	// Extract sends one file path and waits for the response. When ctx
	// expires mid-request the engine kills its subprocess so the next
	// Start spawns a fresh one.
	Extract(ctx context.Context, path string) (*Result, error)
	// Restart tears the engine down and brings it back up.
	Restart(ctx context.Context) error
	// Close tears the engine down.
	Close() error
}
