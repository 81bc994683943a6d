package chatws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: -3, want: time.Second},
		{attempts: 0, want: time.Second},
		{attempts: 1, want: time.Second},
		{attempts: 2, want: 2 * time.Second},
		{attempts: 3, want: 4 * time.Second},
		{attempts: 5, want: 16 * time.Second},
		{attempts: 6, want: 30 * time.Second},
		{attempts: 200, want: 30 * time.Second},
		{attempts: 5000, want: 30 * time.Second},
	}

	for _, test := range tests {
		assert.Equal(t, test.want, b.Delay(test.attempts), "attempts=%d", test.attempts)
	}
}

func TestBackoff_DelayNeverDecreases(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 10 * time.Second}

	prev := time.Duration(0)
	for n := 1; n < 100; n++ {
		d := b.Delay(n)
		assert.GreaterOrEqual(t, d, prev, "attempts=%d", n)
		assert.LessOrEqual(t, d, b.Max, "attempts=%d", n)
		prev = d
	}
}

func TestExponentialBackoff(t *testing.T) {
	assert.Equal(t, 1.0, ExponentialBackoff(1))
	assert.Equal(t, 2.0, ExponentialBackoff(2))
	assert.Equal(t, 1024.0, ExponentialBackoff(11))
}
