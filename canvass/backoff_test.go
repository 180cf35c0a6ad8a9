package canvass

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestBackoffSchedule(t *testing.T) {
	backoff := NewBackoff(1000*time.Millisecond, 30000*time.Millisecond, 1.5, 10)

	assert.Equal(t, backoff.Delay(), 1000*time.Millisecond)
	assert.Equal(t, backoff.Fail(), 1500*time.Millisecond)
	assert.Equal(t, backoff.Fail(), 2250*time.Millisecond)
	assert.Equal(t, backoff.Fail(), 3375*time.Millisecond)
	assert.Equal(t, backoff.Attempt(), 3)

	// the delay grows geometrically up to the cap and stays there
	for i := 0; i < 20; i += 1 {
		backoff.Fail()
	}
	assert.Equal(t, backoff.Delay(), 30000*time.Millisecond)
	backoff.Fail()
	assert.Equal(t, backoff.Delay(), 30000*time.Millisecond)
}

func TestBackoffAttemptCeiling(t *testing.T) {
	backoff := NewBackoff(1000*time.Millisecond, 30000*time.Millisecond, 1.5, 10)

	for i := 0; i < 9; i += 1 {
		backoff.Fail()
	}
	assert.Equal(t, backoff.Attempt(), 9)

	// the tenth consecutive failure resets the counter
	// but the delay stays where the schedule left it
	delayBefore := backoff.Delay()
	backoff.Fail()
	assert.Equal(t, backoff.Attempt(), 0)
	assert.Equal(t, delayBefore <= backoff.Delay(), true)
}

func TestBackoffReset(t *testing.T) {
	backoff := NewBackoff(1000*time.Millisecond, 30000*time.Millisecond, 1.5, 10)

	backoff.Fail()
	backoff.Fail()
	backoff.Reset()

	assert.Equal(t, backoff.Attempt(), 0)
	assert.Equal(t, backoff.Delay(), 1000*time.Millisecond)
}
