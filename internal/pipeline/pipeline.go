// Package pipeline moves ingest records through the classifier into the
// event store in batches.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/setevik/fleetrisk/internal/classifier"
	"github.com/setevik/fleetrisk/internal/event"
	"github.com/setevik/fleetrisk/internal/ingest"
	"github.com/setevik/fleetrisk/internal/metrics"
	"github.com/setevik/fleetrisk/internal/source"
)

// Default batching.
const (
	DefaultBatchSize  = 500
	DefaultFlushEvery = 2 * time.Second
)

// Sink persists classified records.
type Sink interface {
	InsertBatch(ctx context.Context, violations []*event.Violation, events []*event.RawEvent) error
}

// Stats counts the outcome of a load.
type Stats struct {
	Violations int
	Events     int
	Skipped    int
	Failed     int
}

// Loader classifies records and writes them to a Sink.
type Loader struct {
	cls        *classifier.Classifier
	sink       Sink
	batchSize  int
	flushEvery time.Duration
	logger     *slog.Logger

	violations []*event.Violation
	events     []*event.RawEvent
}

// New creates a Loader with the default batching.
func New(cls *classifier.Classifier, sink Sink) *Loader {
	return &Loader{
		cls:        cls,
		sink:       sink,
		batchSize:  DefaultBatchSize,
		flushEvery: DefaultFlushEvery,
		logger:     slog.Default(),
	}
}

// WithBatching overrides the batch size and the idle flush interval.
func (l *Loader) WithBatching(size int, every time.Duration) *Loader {
	if size > 0 {
		l.batchSize = size
	}
	if every > 0 {
		l.flushEvery = every
	}
	return l
}

// WithLogger overrides the default logger.
func (l *Loader) WithLogger(logger *slog.Logger) *Loader {
	l.logger = logger
	return l
}

// Run drains records until the channel closes or ctx is cancelled. Pending
// records are flushed either way. Unclassifiable records are logged and
// counted; only store errors are returned.
func (l *Loader) Run(ctx context.Context, records <-chan ingest.Record) (Stats, error) {
	var st Stats
	ticker := time.NewTicker(l.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return st, l.flush(context.WithoutCancel(ctx), &st)
			}
			l.add(rec, &st)
			if len(l.violations)+len(l.events) >= l.batchSize {
				if err := l.flush(ctx, &st); err != nil {
					return st, err
				}
			}

		case <-ticker.C:
			if err := l.flush(ctx, &st); err != nil {
				return st, err
			}

		case <-ctx.Done():
			return st, l.flush(context.WithoutCancel(ctx), &st)
		}
	}
}

func (l *Loader) add(rec ingest.Record, st *Stats) {
	res, err := l.cls.Classify(rec)
	if err != nil {
		st.Skipped++
		var skip *source.RecordSkippedError
		if errors.As(err, &skip) {
			l.logger.Warn("skipping record", "line", rec.Line, "reason", skip.Reason)
		} else {
			l.logger.Warn("skipping record", "line", rec.Line, "error", err)
		}
		metrics.RecordsIngestedTotal.WithLabelValues(kindLabel(rec.Kind), "skipped").Inc()
		return
	}
	switch {
	case res.Violation != nil:
		l.violations = append(l.violations, res.Violation)
	case res.Event != nil:
		l.events = append(l.events, res.Event)
	}
}

func (l *Loader) flush(ctx context.Context, st *Stats) error {
	nv, ne := len(l.violations), len(l.events)
	if nv+ne == 0 {
		return nil
	}
	err := l.sink.InsertBatch(ctx, l.violations, l.events)
	l.violations, l.events = nil, nil
	if err != nil {
		st.Failed += nv + ne
		metrics.RecordsIngestedTotal.WithLabelValues(string(ingest.KindViolation), "failed").Add(float64(nv))
		metrics.RecordsIngestedTotal.WithLabelValues(string(ingest.KindEvent), "failed").Add(float64(ne))
		return source.Wrap("insert batch", err)
	}

	st.Violations += nv
	st.Events += ne
	metrics.RecordsIngestedTotal.WithLabelValues(string(ingest.KindViolation), "stored").Add(float64(nv))
	metrics.RecordsIngestedTotal.WithLabelValues(string(ingest.KindEvent), "stored").Add(float64(ne))
	l.logger.Debug("batch stored", "violations", nv, "events", ne)
	return nil
}

func kindLabel(k ingest.Kind) string {
	if k == ingest.KindAuto {
		return "auto"
	}
	return string(k)
}
