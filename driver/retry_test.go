package driver

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gandaldf/sqltpl"
)

var (
	errTransient = &sqltpl.Error{Kind: sqltpl.KindQuery, Transient: true}
	errFatal     = &sqltpl.Error{Kind: sqltpl.KindQuery}
)

func TestRetryPolicy_Bounds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}

	for attempt := 0; attempt < 3; attempt++ {
		_, ok := p.ShouldRetry(attempt, errTransient)
		assert.True(t, ok, "attempt %d", attempt)
	}
	_, ok := p.ShouldRetry(3, errTransient)
	assert.False(t, ok)
	_, ok = p.ShouldRetry(-1, errTransient)
	assert.False(t, ok)
}

func TestRetryPolicy_OnlyTransient(t *testing.T) {
	p := DefaultRetryPolicy

	cases := []struct {
		err  error
		want bool
	}{
		{errTransient, true},
		{errFatal, false},
		{&sqltpl.Error{Kind: sqltpl.KindConnection}, true},
		{&sqltpl.Error{Kind: sqltpl.KindPoolExhausted}, true},
		{&sqltpl.Error{Kind: sqltpl.KindTimeout}, true},
		{&sqltpl.Error{Kind: sqltpl.KindParse}, false},
		{errors.New("plain"), false},
		{nil, false},
	}
	for _, c := range cases {
		_, ok := p.ShouldRetry(0, c.err)
		assert.Equal(t, c.want, ok, "%v", c.err)
	}
}

func TestRetryPolicy_Disabled(t *testing.T) {
	for _, p := range []RetryPolicy{{}, {MaxAttempts: -1, InitialBackoff: time.Millisecond}} {
		_, ok := p.ShouldRetry(0, errTransient)
		assert.False(t, ok)
		assert.False(t, p.Enabled())
	}
}

func TestRetryPolicy_BackoffMonotonicAndCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 20, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: 1.7}

	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d, ok := p.ShouldRetry(attempt, errTransient)
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, p.MaxBackoff)
		prev = d
	}
	assert.Equal(t, p.MaxBackoff, prev)
}

func TestRetryPolicy_BackoffValues(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, Multiplier: 2}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond}
	for i, w := range want {
		assert.Equal(t, w, p.Backoff(i), "attempt %d", i)
	}

	// multipliers below 1 never shrink the delay
	p.Multiplier = 0.5
	assert.Equal(t, 10*time.Millisecond, p.Backoff(3))
}
