package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverfetch(t *testing.T) {
	assert.Equal(t, 0, Overfetch(0))
	assert.Equal(t, 0, Overfetch(-1))
	assert.Equal(t, 501, Overfetch(500))
}

func TestKeepNewest(t *testing.T) {
	recs := []int{1, 2, 3}

	got, truncated := KeepNewest(recs, 2)
	assert.Equal(t, []int{2, 3}, got)
	assert.True(t, truncated)

	got, truncated = KeepNewest(recs, 3)
	assert.Equal(t, recs, got)
	assert.False(t, truncated)

	got, truncated = KeepNewest(recs, 0)
	assert.Equal(t, recs, got)
	assert.False(t, truncated)
}
