package source

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap("fetch", nil))

	base := errors.New("disk I/O error")
	err := Wrap("fetch violations", base)
	assert.True(t, IsDataAccess(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "fetch violations")

	// Already wrapped errors are not wrapped twice.
	again := Wrap("outer", fmt.Errorf("ctx: %w", err))
	var dae *DataAccessError
	assert.True(t, errors.As(again, &dae))
	assert.Equal(t, "fetch violations", dae.Op)
}

func TestIsInvalidInput(t *testing.T) {
	assert.True(t, IsInvalidInput(&InvalidRangeError{Reason: "end before start"}))
	assert.True(t, IsInvalidInput(fmt.Errorf("wrapped: %w", &InvalidTimeframeError{Timeframe: "90m"})))
	assert.False(t, IsInvalidInput(&DataAccessError{Op: "x", Err: errors.New("boom")}))
	assert.False(t, IsInvalidInput(nil))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, `invalid timeframe "90m": minutes must be between 1 and 60`,
		(&InvalidTimeframeError{Timeframe: "90m", Reason: "minutes must be between 1 and 60"}).Error())
	assert.Equal(t, "record skipped: missing entity id", (&RecordSkippedError{Reason: "missing entity id"}).Error())
	assert.Equal(t, "record drv-9 skipped: bad timestamp", (&RecordSkippedError{RecordID: "drv-9", Reason: "bad timestamp"}).Error())
}

func TestTimeRangeContains(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := TimeRange{Start: start, End: start.Add(time.Hour)}

	assert.True(t, r.Contains(start))
	assert.True(t, r.Contains(start.Add(time.Hour)))
	assert.False(t, r.Contains(start.Add(-time.Second)))
	assert.False(t, r.Contains(start.Add(time.Hour+time.Second)))
	assert.True(t, TimeRange{}.Contains(start), "open range contains everything")
}
