package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversine(t *testing.T) {
	tests := []struct {
		name     string
		lat1     float64
		lon1     float64
		lat2     float64
		lon2     float64
		expected float64
		delta    float64
	}{
		{
			name:     "Zero distance",
			lat1:     6.9271,
			lon1:     79.8612,
			lat2:     6.9271,
			lon2:     79.8612,
			expected: 0,
			delta:    0.001,
		},
		{
			name:     "One thousandth of a degree of latitude",
			lat1:     6.9271,
			lon1:     79.8612,
			lat2:     6.9281,
			lon2:     79.8612,
			expected: 111.19,
			delta:    0.5,
		},
		{
			name:     "Approximately 1km",
			lat1:     14.7167,
			lon1:     -17.4677,
			lat2:     14.7257,
			lon2:     -17.4677,
			expected: 1000,
			delta:    10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Haversine(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.expected, result, tt.delta)
		})
	}
}

func TestHaversineIsSymmetric(t *testing.T) {
	a := Haversine(6.9271, 79.8612, 7.2906, 80.6337)
	b := Haversine(7.2906, 80.6337, 6.9271, 79.8612)
	assert.InDelta(t, a, b, 1e-9)
}
