package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddMonthsNoOverflow(t *testing.T) {
	tests := []struct {
		name   string
		from   time.Time
		months int
		want   time.Time
	}{
		{"end of january", date(2025, 1, 31), 1, date(2025, 2, 28)},
		{"leap february", date(2024, 1, 31), 1, date(2024, 2, 29)},
		{"mid month", date(2025, 4, 11), 1, date(2025, 5, 11)},
		{"across year", date(2025, 11, 30), 3, date(2026, 2, 28)},
		{"leap day plus a year", date(2024, 2, 29), 12, date(2025, 2, 28)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(AddMonthsNoOverflow(tt.from, tt.months)))
		})
	}
}

func TestFrequencyDays(t *testing.T) {
	tests := []struct {
		frequency Frequency
		from      time.Time
		want      int
	}{
		{FrequencyDaily, date(2025, 4, 1), 1},
		{FrequencyWeekly, date(2025, 4, 1), 7},
		{FrequencyTwoWeeks, date(2025, 4, 1), 14},
		{FrequencyFourWeeks, date(2025, 4, 1), 28},
		{FrequencyMonthly, date(2025, 4, 11), 30},
		{FrequencyMonthly, date(2025, 1, 31), 28},
		{FrequencyMonthly, date(2025, 3, 11), 31},
		{FrequencyThreeMonths, date(2025, 1, 1), 90},
		{FrequencyAnnually, date(2025, 1, 1), 365},
		{FrequencyAnnually, date(2024, 1, 1), 366},
		{FrequencyTwoYears, date(2025, 1, 1), 730},
	}
	for _, tt := range tests {
		got, err := FrequencyDays(tt.frequency, tt.from)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "frequency %d from %s", tt.frequency, tt.from.Format("2006-01-02"))
	}

	_, err := FrequencyDays(Frequency(99), date(2025, 1, 1))
	require.ErrorIs(t, err, ErrUnknownFrequency)
}

func TestDaysBetweenIgnoresTimeOfDay(t *testing.T) {
	a := time.Date(2025, 4, 1, 23, 0, 0, 0, time.UTC)
	b := time.Date(2025, 4, 11, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, 10, DaysBetween(a, b))
	assert.Equal(t, -10, DaysBetween(b, a))
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 0, 0, 0, time.UTC)
}
