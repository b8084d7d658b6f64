package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRound(t *testing.T) {
	cases := []struct {
		in        string
		precision int32
		want      string
	}{
		{"80.004", 2, "80"},
		{"2.345", 2, "2.35"},
		{"-2.345", 2, "-2.35"},
		{"1234.5", 0, "1235"},
		{"1.23456", 3, "1.235"},
	}
	for _, tc := range cases {
		got := Round(decimal.RequireFromString(tc.in), tc.precision)
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), "%s@%d => %s", tc.in, tc.precision, got)
	}
}

func TestParseFloat(t *testing.T) {
	cases := map[string]string{
		"1,234.50": "1234.5",
		"$ 99":     "99",
		"-12.5":    "-12.5",
		"":         "0",
		"abc":      "0",
		"1.2.3":    "0",
	}
	for in, want := range cases {
		got := ParseFloat(in)
		assert.True(t, got.Equal(decimal.RequireFromString(want)), "%q => %s", in, got)
	}
}

func TestMinAndSum(t *testing.T) {
	a := decimal.NewFromInt(40)
	b := decimal.NewFromInt(100)
	assert.True(t, Min(a, b).Equal(a))
	assert.True(t, Min(b, a).Equal(a))
	assert.True(t, Sum(a, b, decimal.NewFromInt(10)).Equal(decimal.NewFromInt(150)))
	assert.True(t, Sum().IsZero())
}
