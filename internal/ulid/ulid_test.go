package ulid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewStringLength(t *testing.T) {
	s := NewString(time.Now())
	assert.Len(t, s, 26)
}

func TestMonotonicWithinSameMillisecond(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	a := New(ts)
	b := New(ts)
	assert.NotEqual(t, a, b)
	assert.True(t, a.String() < b.String())
}

func TestSortsByTime(t *testing.T) {
	earlier := New(time.UnixMilli(1_000))
	later := New(time.UnixMilli(2_000))
	assert.True(t, earlier.String() < later.String())
}

func TestAlphabetOnly(t *testing.T) {
	s := NewString(time.Now())
	for _, r := range s {
		assert.Contains(t, encoding, string(r))
	}
}
