package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClockAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewMockClock(start)

	assert.Equal(t, start, c.Now())

	c.Advance(10 * time.Second)
	assert.Equal(t, 10*time.Second, c.Since(start))
}

func TestMockClockSet(t *testing.T) {
	c := NewMockClock(time.Unix(1000, 0))
	later := time.Unix(2000, 0)

	c.Set(later)
	assert.Equal(t, later, c.Now())
	assert.Equal(t, time.Duration(0), c.Until(later))
}
