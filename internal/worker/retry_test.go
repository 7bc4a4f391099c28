package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	transient := errors.New("connection reset")

	assert.False(t, p.ShouldRetry(nil, 1))
	assert.True(t, p.ShouldRetry(transient, 1))
	assert.True(t, p.ShouldRetry(transient, 2))
	assert.False(t, p.ShouldRetry(transient, 3))
	assert.False(t, p.ShouldRetry(bookmark.Permanent(transient), 1))
}

func TestRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	tests := []struct {
		attempt int
		full    time.Duration
	}{
		{attempt: 0, full: time.Second},
		{attempt: 1, full: time.Second},
		{attempt: 2, full: 2 * time.Second},
		{attempt: 3, full: 4 * time.Second},
		{attempt: 5, full: 10 * time.Second},
		{attempt: 9, full: 10 * time.Second},
	}
	for _, tt := range tests {
		for range 20 {
			got := p.Backoff(tt.attempt)
			require.GreaterOrEqual(t, got, tt.full/2, "attempt %d", tt.attempt)
			require.LessOrEqual(t, got, tt.full, "attempt %d", tt.attempt)
		}
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{}.withDefaults()
	assert.Equal(t, DefaultRetryPolicy(), p)

	clamped := RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Second}.withDefaults()
	assert.Equal(t, time.Minute, clamped.MaxDelay)
}
