package metricstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMetricValue(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{"($1,234.56)", -1234.56},
		{"45.2%", 45.2},
		{"garbage", 0},
		{"$1,000", 1000},
		{"1234.5", 1234.5},
		{"-12", -12},
		{"-$5.25", -5.25},
		{"$-5.25", -5.25},
		{"(15%)", -15},
		{"  € 3,400.00 ", 3400},
		{"£12", 12},
		{"0", 0},
		{"", 0},
		{"()", 0},
		{"1.2.3", 0},
		{"1e9", 0},
		{"NaN", 0},
		{"(-5)", 0},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.InDelta(t, tt.want, ParseMetricValue(tt.raw), 1e-9)
		})
	}
}

func TestParseMetricValueStrict(t *testing.T) {
	v, err := ParseMetricValueStrict("0.00")
	assert.NoError(t, err)
	assert.Zero(t, v)

	for _, raw := range []string{"garbage", "", "N/A", "--", "1e9"} {
		_, err := ParseMetricValueStrict(raw)
		assert.ErrorIs(t, err, ErrUnparsable, raw)
	}
}
