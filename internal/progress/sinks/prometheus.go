package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/docfoundry/docxharvest/internal/progress"
)

// PrometheusSink exports harvest progress via Prometheus. It owns the
// collectors for run lifecycle, per-crawl record outcomes, and
// extraction outcomes.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	records     *prometheus.CounterVec
	recordBytes *prometheus.CounterVec
	recordDur   *prometheus.HistogramVec

	extractions   *prometheus.CounterVec
	extractionDur *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docxharvest_runs_started_total",
			Help: "Total harvest runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docxharvest_runs_completed_total",
			Help: "Total harvest runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docxharvest_runs_running",
			Help: "Current number of running harvest runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docxharvest_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docxharvest_records_total",
			Help: "Record completions partitioned by crawl and outcome.",
		}, []string{"crawl_id", "outcome"}),
		recordBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docxharvest_record_bytes_total",
			Help: "Payload bytes saved per crawl.",
		}, []string{"crawl_id"}),
		recordDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docxharvest_record_duration_seconds",
			Help:    "Per-record pipeline duration partitioned by outcome.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"outcome"}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docxharvest_extractions_total",
			Help: "Extraction completions partitioned by outcome.",
		}, []string{"outcome"}),
		extractionDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docxharvest_extraction_duration_seconds",
			Help:    "Per-document extraction duration partitioned by outcome.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"outcome"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.records,
		s.recordBytes,
		s.recordDur,
		s.extractions,
		s.extractionDur,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors from the batch. Safe for
// concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
			s.handleRunEvent(evt)
		case progress.StageRecordDone:
			s.handleRecordEvent(evt)
		case progress.StageExtractDone:
			s.handleExtractEvent(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		return
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeRun(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRun(evt, "error")
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRun(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleRecordEvent(evt progress.Event) {
	crawl := evt.CrawlID
	if crawl == "" {
		crawl = "unknown"
	}
	outcome := string(evt.Outcome)
	s.records.WithLabelValues(crawl, outcome).Inc()
	if evt.Bytes > 0 {
		s.recordBytes.WithLabelValues(crawl).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.recordDur.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleExtractEvent(evt progress.Event) {
	outcome := string(evt.Outcome)
	s.extractions.WithLabelValues(outcome).Inc()
	if evt.Dur > 0 {
		s.extractionDur.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// runTracker deduplicates lifecycle transitions so the running gauge
// stays correct when events are replayed.
type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
