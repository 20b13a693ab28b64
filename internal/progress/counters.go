package progress

import "sync/atomic"

// Tracker accumulates run counters with atomic increments. One Tracker
// serves one crawl (or one extraction run); every worker of that run
// shares it.
type Tracker struct {
	discovered atomic.Int64
	saved      atomic.Int64
	skipped    atomic.Int64
	failed     atomic.Int64
	extracted  atomic.Int64
	errored    atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Discovered int64 `json:"discovered"`
	Saved      int64 `json:"saved"`
	Skipped    int64 `json:"skipped"`
	Failed     int64 `json:"failed"`
	Extracted  int64 `json:"extracted"`
	Errored    int64 `json:"errored"`
}

// AddDiscovered counts one record pulled from the CDX stream.
func (t *Tracker) AddDiscovered() { t.discovered.Add(1) }

// AddSaved counts one uploaded document.
func (t *Tracker) AddSaved() { t.saved.Add(1) }

// AddSkipped counts one deduplicated record.
func (t *Tracker) AddSkipped() { t.skipped.Add(1) }

// AddFailed counts one record that ended in a failed row.
func (t *Tracker) AddFailed() { t.failed.Add(1) }

// AddExtracted counts one successful text extraction.
func (t *Tracker) AddExtracted() { t.extracted.Add(1) }

// AddErrored counts one failed text extraction.
func (t *Tracker) AddErrored() { t.errored.Add(1) }

// Saved returns the current saved count; the scrape loop polls it for
// the batch cut-off.
func (t *Tracker) Saved() int64 { return t.saved.Load() }

// Processed returns extractions that reached a terminal state. The stall
// watchdog polls it.
func (t *Tracker) Processed() int64 { return t.extracted.Load() + t.errored.Load() }

// Snapshot copies all counters at once. Loads are individually atomic,
// not mutually consistent, which is fine for reporting.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		Discovered: t.discovered.Load(),
		Saved:      t.saved.Load(),
		Skipped:    t.skipped.Load(),
		Failed:     t.failed.Load(),
		Extracted:  t.extracted.Load(),
		Errored:    t.errored.Load(),
	}
}
