package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoffRetryer(t *testing.T) {
	r := NewExponentialBackoffRetryer(100*time.Millisecond, time.Second)
	r.JitterFactor = 0

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{20, time.Second},
	}

	for _, tt := range tests {
		got, ok := r.NextDelay(tt.attempt, nil)
		assert.True(t, ok)
		assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
	}
}

func TestExponentialBackoffRetryer_Jitter(t *testing.T) {
	r := NewExponentialBackoffRetryer(time.Second, time.Minute)

	for range 100 {
		got, ok := r.NextDelay(2, nil)
		assert.True(t, ok)
		assert.GreaterOrEqual(t, got, 2800*time.Millisecond)
		assert.LessOrEqual(t, got, 5200*time.Millisecond)
	}
}

func TestExponentialBackoffRetryer_MaxRetries(t *testing.T) {
	r := NewExponentialBackoffRetryer(time.Millisecond, time.Second)
	r.MaxRetries = 2

	_, ok := r.NextDelay(1, nil)
	assert.True(t, ok)

	_, ok = r.NextDelay(2, nil)
	assert.False(t, ok)
}
