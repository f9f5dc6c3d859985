package timeslot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2025, 10, 5, 0, 0, 0, 0, time.UTC)

func TestNewRejectsEmptyAndInverted(t *testing.T) {
	start := day.Add(10 * time.Hour)

	_, err := New(start, start)
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = New(start, start.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrInvalidInterval)

	iv, err := New(start, start.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, iv.Minutes())
}

func TestAtDefaultsToThirtyMinutes(t *testing.T) {
	iv, err := At(day, 10, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, day.Add(10*time.Hour), iv.Start)
	assert.Equal(t, day.Add(10*time.Hour+30*time.Minute), iv.End)

	iv, err = At(day, 9, 15, 45)
	require.NoError(t, err)
	assert.Equal(t, 45, iv.Minutes())

	_, err = At(day, 24, 0, 30)
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = At(day, 10, 0, -15)
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestParse(t *testing.T) {
	iv, err := Parse(day, "14:30", 60)
	require.NoError(t, err)
	assert.Equal(t, day.Add(14*time.Hour+30*time.Minute), iv.Start)
	assert.Equal(t, 60, iv.Minutes())

	for _, bad := range []string{"", "1430", "ab:00", "10:xx"} {
		_, err := Parse(day, bad, 30)
		assert.ErrorIs(t, err, ErrInvalidInterval, bad)
	}
}

func TestOverlapsIsHalfOpen(t *testing.T) {
	mk := func(h1, m1, h2, m2 int) Interval {
		return Interval{
			Start: day.Add(time.Duration(h1)*time.Hour + time.Duration(m1)*time.Minute),
			End:   day.Add(time.Duration(h2)*time.Hour + time.Duration(m2)*time.Minute),
		}
	}

	tests := []struct {
		name string
		a, b Interval
		want bool
	}{
		{"back to back", mk(9, 30, 10, 0), mk(10, 0, 10, 30), false},
		{"back to back reversed", mk(10, 0, 10, 30), mk(9, 30, 10, 0), false},
		{"partial", mk(10, 0, 10, 30), mk(10, 15, 10, 45), true},
		{"contained", mk(9, 0, 12, 0), mk(10, 0, 10, 30), true},
		{"identical", mk(10, 0, 10, 30), mk(10, 0, 10, 30), true},
		{"disjoint", mk(8, 0, 9, 0), mk(10, 0, 11, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Overlaps(tt.b))
			assert.Equal(t, tt.want, tt.b.Overlaps(tt.a))
		})
	}
}

func TestTransformsDoNotMutate(t *testing.T) {
	orig, err := At(day, 10, 0, 30)
	require.NoError(t, err)

	shifted := orig.Shift(90)
	assert.Equal(t, day.Add(11*time.Hour+30*time.Minute), shifted.Start)
	assert.Equal(t, 30, shifted.Minutes())
	assert.Equal(t, day.Add(10*time.Hour), orig.Start)

	longer, err := orig.WithDuration(60)
	require.NoError(t, err)
	assert.Equal(t, 60, longer.Minutes())
	assert.Equal(t, 30, orig.Minutes())

	_, err = orig.WithDuration(0)
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = orig.WithEnd(orig.Start)
	assert.ErrorIs(t, err, ErrInvalidInterval)
}
