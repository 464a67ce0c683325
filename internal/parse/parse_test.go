package parse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccessCode(t *testing.T) {
	testCases := []struct {
		name      string
		raw       string
		expected  string
		expectErr bool
	}{
		{name: "Plain code", raw: "ABC123", expected: "ABC123"},
		{name: "Surrounding whitespace", raw: "  482913\n", expected: "482913"},
		{name: "Grouped digits", raw: "482 913", expected: "482913"},
		{name: "Empty", raw: "", expectErr: true},
		{name: "Only whitespace", raw: " \t ", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			code, err := AccessCode(tc.raw)
			if tc.expectErr {
				assert.ErrorIs(t, err, ErrEmptyCode)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.expected, code)
			}
		})
	}
}

func TestInstant(t *testing.T) {
	want := time.Date(2025, 3, 1, 10, 0, 30, 0, time.UTC)

	testCases := []struct {
		name      string
		raw       string
		expected  time.Time
		expectErr bool
	}{
		{name: "RFC3339 UTC", raw: "2025-03-01T10:00:30Z", expected: want},
		{name: "Offset", raw: "2025-03-01T15:30:30+05:30", expected: want},
		{name: "Python microseconds", raw: "2025-03-01T10:00:30.250000+00:00", expected: want.Add(250 * time.Millisecond)},
		{name: "Naive is UTC", raw: "2025-03-01T10:00:30", expected: want},
		{name: "Space separator", raw: "2025-03-01 10:00:30", expected: want},
		{name: "Empty", raw: "", expected: time.Time{}},
		{name: "Garbage", raw: "yesterday", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Instant(tc.raw)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.True(t, tc.expected.Equal(got), "expected %s, got %s", tc.expected, got)
		})
	}
}

func TestStatus(t *testing.T) {
	assert.Equal(t, StatusOffline, Status("offline"))
	assert.Equal(t, StatusOffline, Status("Unavailable"))
	assert.Equal(t, StatusDispensing, Status("dispatch_sent"))
	assert.Equal(t, StatusOutOfStock, Status("out_of_stock"))
	assert.Equal(t, StatusMaintenance, Status("maintenance"))
	assert.Equal(t, StatusActive, Status("idle"))
	assert.Equal(t, StatusActive, Status("locked"))
	assert.Equal(t, StatusActive, Status(""))
}
