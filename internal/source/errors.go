package source

import (
	"errors"
	"fmt"
)

// InvalidRangeError reports a caller-supplied window or grouping that cannot
// be analyzed.
type InvalidRangeError struct {
	Reason string
}

func (e *InvalidRangeError) Error() string {
	return "invalid range: " + e.Reason
}

// InvalidTimeframeError reports a malformed or out-of-range timeframe string
// such as "90m".
type InvalidTimeframeError struct {
	Timeframe string
	Reason    string
}

func (e *InvalidTimeframeError) Error() string {
	return fmt.Sprintf("invalid timeframe %q: %s", e.Timeframe, e.Reason)
}

// DataAccessError wraps a failed fetch from the event store.
type DataAccessError struct {
	Op  string
	Err error
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("data access (%s): %v", e.Op, e.Err)
}

func (e *DataAccessError) Unwrap() error {
	return e.Err
}

// RecordSkippedError describes a single malformed record that was excluded
// from an otherwise valid batch.
type RecordSkippedError struct {
	RecordID string
	Reason   string
}

func (e *RecordSkippedError) Error() string {
	if e.RecordID == "" {
		return "record skipped: " + e.Reason
	}
	return fmt.Sprintf("record %s skipped: %s", e.RecordID, e.Reason)
}

// Wrap turns a store error into a DataAccessError. A nil err stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var dae *DataAccessError
	if errors.As(err, &dae) {
		return err
	}
	return &DataAccessError{Op: op, Err: err}
}

// IsInvalidInput reports whether err is a caller input error.
func IsInvalidInput(err error) bool {
	var ire *InvalidRangeError
	var ite *InvalidTimeframeError
	return errors.As(err, &ire) || errors.As(err, &ite)
}

// IsDataAccess reports whether err came from the event store.
func IsDataAccess(err error) bool {
	var dae *DataAccessError
	return errors.As(err, &dae)
}
