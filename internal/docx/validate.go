// Package docx implements the fast structural check applied to every fetched
// payload before it is hashed and stored. It deliberately stops short of a
// full ZIP parse: the four checks below are a cheap filter, and anything that
// slips through is caught later by the extractor.
package docx

import "bytes"

// Rejection reasons reported by Validate.
const (
	ReasonTooSmall            = "too_small"
	ReasonWrongMagic          = "wrong_magic"
	ReasonMissingContentTypes = "missing_content_types"
	ReasonMissingWordDocument = "missing_word_document"
)

// minPayloadSize is the smallest byte count a plausible .docx can have.
const minPayloadSize = 100

var (
	zipMagic         = []byte{0x50, 0x4B, 0x03, 0x04}
	contentTypesMark = []byte("[Content_Types].xml")
	wordDocumentMark = []byte("word/document.xml")
	wordDocumentAlt  = []byte("word/document")
)

// Result reports whether a payload looks like a Word document and, when it
// does not, a machine-readable reason plus a human-readable detail.
type Result struct {
	OK     bool
	Reason string
	Detail string
}

// Validate applies the structural checks in order and stops at the first
// failure. The input buffer is never modified.
func Validate(payload []byte) Result {
	if len(payload) < minPayloadSize {
		return Result{Reason: ReasonTooSmall, Detail: "payload shorter than 100 bytes"}
	}
	if !bytes.HasPrefix(payload, zipMagic) {
		return Result{Reason: ReasonWrongMagic, Detail: "missing ZIP local file header magic"}
	}
	if !bytes.Contains(payload, contentTypesMark) {
		return Result{Reason: ReasonMissingContentTypes, Detail: "no [Content_Types].xml entry"}
	}
	if !bytes.Contains(payload, wordDocumentMark) && !bytes.Contains(payload, wordDocumentAlt) {
		return Result{Reason: ReasonMissingWordDocument, Detail: "no word/document.xml entry"}
	}
	return Result{OK: true}
}
