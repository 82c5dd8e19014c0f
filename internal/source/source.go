// Package source defines the contract between the analysis packages and the
// event store that feeds them.
package source

import (
	"context"
	"time"

	"github.com/setevik/fleetrisk/internal/event"
)

// TimeRange is an inclusive [Start, End] window. A zero bound is open.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Filter narrows a fetch. Grouping and filtering are pushed down to the
// store where it can do so. A positive Limit keeps the newest Limit records;
// results are still returned oldest first.
type Filter struct {
	Range    TimeRange
	EntityID string
	Types    []string
	Limit    int
}

// ViolationSource returns violation records matching a filter.
type ViolationSource interface {
	FetchViolations(ctx context.Context, f Filter) ([]event.Violation, error)
}

// EventSource returns raw vehicle events matching a filter.
type EventSource interface {
	FetchEvents(ctx context.Context, f Filter) ([]event.RawEvent, error)
}

// AggregateSource returns per-entity rollups of violations.
type AggregateSource interface {
	FetchEntityAggregates(ctx context.Context, f Filter) ([]event.EntityAggregate, error)
}

// Store is everything the analysis packages may ask of an event store.
type Store interface {
	ViolationSource
	EventSource
	AggregateSource
}

// Overfetch returns the Limit to request so that truncation at limit can be
// detected with KeepNewest. A non-positive limit means unlimited.
func Overfetch(limit int) int {
	if limit <= 0 {
		return 0
	}
	return limit + 1
}

// KeepNewest trims a chronological slice fetched with Overfetch(limit) down
// to its newest limit records and reports whether anything was dropped.
func KeepNewest[T any](recs []T, limit int) ([]T, bool) {
	if limit <= 0 || len(recs) <= limit {
		return recs, false
	}
	return recs[len(recs)-limit:], true
}
