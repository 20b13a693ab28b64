package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
	StageRecordDone  Stage = "RECORD_DONE"
	StageExtractDone Stage = "EXTRACT_DONE"
)

// Outcome labels the terminal state of one record or extraction.
type Outcome string

// Supported outcomes. Scrape records end saved, skipped or failed;
// extractions end extracted or error.
const (
	OutcomeSaved     Outcome = "saved"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeExtracted Outcome = "extracted"
	OutcomeError     Outcome = "error"
)

// Event captures a single milestone of harvest progress.
type Event struct {
	// RunID uniquely identifies one crawl or extraction run in 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// CrawlID scopes record events to their Common Crawl archive.
	CrawlID string
	// URL is the optional source URL of the record.
	URL string
	// Outcome is required for record and extract completions.
	Outcome Outcome
	// Bytes carries the payload size for saved records.
	Bytes int64
	// Dur captures per-record or per-run latency.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageRecordDone:
		switch e.Outcome {
		case OutcomeSaved, OutcomeSkipped, OutcomeFailed:
		default:
			return fmt.Errorf("record done requires a scrape outcome, got %q", e.Outcome)
		}
	case StageExtractDone:
		switch e.Outcome {
		case OutcomeExtracted, OutcomeError:
		default:
			return fmt.Errorf("extract done requires an extract outcome, got %q", e.Outcome)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
