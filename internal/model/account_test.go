package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func TestAccountNextDueAt(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	t.Run("seven hour interval boundary", func(t *testing.T) {
		acc := Account{Enabled: true, IntervalHours: intPtr(7), LastResetAt: int64Ptr(t0.Unix())}

		assert.False(t, acc.IsDue(t0.Add(6*time.Hour+59*time.Minute)))
		assert.True(t, acc.IsDue(t0.Add(7*time.Hour)))

		due, ok := acc.NextDueAt()
		assert.True(t, ok)
		assert.Equal(t, t0.Add(7*time.Hour), due)
	})

	t.Run("next due moves with last reset", func(t *testing.T) {
		t1 := t0.Add(7*time.Hour + 3*time.Minute)
		acc := Account{Enabled: true, IntervalHours: intPtr(7), LastResetAt: int64Ptr(t1.Unix())}

		due, ok := acc.NextDueAt()
		assert.True(t, ok)
		assert.Equal(t, t1.Add(7*time.Hour), due)
	})

	t.Run("never rotated is due immediately", func(t *testing.T) {
		acc := Account{Enabled: true, IntervalHours: intPtr(24)}
		assert.True(t, acc.IsDue(t0))
	})

	t.Run("unset interval is never due", func(t *testing.T) {
		acc := Account{Enabled: true}
		_, ok := acc.NextDueAt()
		assert.False(t, ok)
		assert.False(t, acc.IsDue(t0.Add(1000*time.Hour)))
	})

	t.Run("non positive interval counts as unset", func(t *testing.T) {
		acc := Account{Enabled: true, IntervalHours: intPtr(0)}
		assert.False(t, acc.IsDue(t0))
	})

	t.Run("disabled account is never due", func(t *testing.T) {
		acc := Account{Enabled: false, IntervalHours: intPtr(1)}
		assert.False(t, acc.IsDue(t0))
	})

	t.Run("interval change is reflected without stored due time", func(t *testing.T) {
		acc := Account{Enabled: true, IntervalHours: intPtr(12), LastResetAt: int64Ptr(t0.Unix())}
		assert.False(t, acc.IsDue(t0.Add(8*time.Hour)))

		acc.IntervalHours = intPtr(6)
		assert.True(t, acc.IsDue(t0.Add(8*time.Hour)))
	})
}
