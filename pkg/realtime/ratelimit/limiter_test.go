package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(rules map[string]Rule) (*Limiter, *time.Time) {
	l := NewLimiter(Rule{Ceiling: 30, Window: 10 * time.Second}, rules)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowUpToCeiling(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{
		"analysis": {Ceiling: 3, Window: time.Second},
	})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("u1", "analysis"), "call %d", i+1)
	}
	assert.False(t, l.Allow("u1", "analysis"), "call over ceiling")
}

func TestWindowReset(t *testing.T) {
	l, now := newTestLimiter(map[string]Rule{
		"analysis": {Ceiling: 3, Window: time.Second},
	})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("u1", "analysis"))
	}
	assert.False(t, l.Allow("u1", "analysis"))

	*now = now.Add(time.Second)
	assert.True(t, l.Allow("u1", "analysis"), "first call after window elapsed")
	assert.True(t, l.Allow("u1", "analysis"), "fresh window starts at count 1")
}

func TestClassesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{
		"screenshot": {Ceiling: 1, Window: time.Minute},
	})

	assert.True(t, l.Allow("u1", "screenshot"))
	assert.False(t, l.Allow("u1", "screenshot"))

	// Default class still has headroom.
	assert.True(t, l.Allow("u1", "default"))
}

func TestIdentitiesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{
		"screenshot": {Ceiling: 1, Window: time.Minute},
	})

	assert.True(t, l.Allow("u1", "screenshot"))
	assert.True(t, l.Allow("u2", "screenshot"))
}

func TestUnknownClassFallsBackToDefaultRule(t *testing.T) {
	l, _ := newTestLimiter(nil)

	for i := 0; i < 30; i++ {
		assert.True(t, l.Allow("u1", "whatever"))
	}
	assert.False(t, l.Allow("u1", "whatever"))
}

func TestSweepPurgesStaleWindows(t *testing.T) {
	l, now := newTestLimiter(map[string]Rule{
		"analysis": {Ceiling: 3, Window: time.Second},
	})

	l.Allow("u1", "analysis")
	l.Allow("u2", "analysis")

	assert.Equal(t, 0, l.Sweep(*now))
	assert.Equal(t, 2, l.Sweep(now.Add(2*time.Second)))

	// A fresh window after the sweep starts clean.
	*now = now.Add(2 * time.Second)
	assert.True(t, l.Allow("u1", "analysis"))
}
