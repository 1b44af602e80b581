package bench

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentileNearestRank(t *testing.T) {
	samples := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

	assert.Equal(t, 50.0, Percentile(samples, 50))
	assert.Equal(t, 100.0, Percentile(samples, 95))
	assert.Equal(t, 100.0, Percentile(samples, 99))
	assert.Equal(t, 10.0, Percentile(samples, 0))
	assert.Equal(t, 100.0, Percentile(samples, 100))
}

func TestPercentileSmallSamples(t *testing.T) {
	assert.Equal(t, 0.0, Percentile(nil, 95))
	assert.Equal(t, 42.0, Percentile([]float64{42}, 50))
	assert.Equal(t, 42.0, Percentile([]float64{42}, 99))

	two := []float64{10, 20}
	assert.Equal(t, 10.0, Percentile(two, 50))
	assert.Equal(t, 20.0, Percentile(two, 95))
}

func TestSummarize(t *testing.T) {
	samples := []float64{30, 10, 20}
	s := Summarize(samples)

	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 10.0, s.Min)
	assert.Equal(t, 30.0, s.Max)
	assert.InDelta(t, 20.0, s.Avg, 1e-9)
	assert.Equal(t, 20.0, s.P50)
	assert.Equal(t, 30.0, s.P95)

	// Input order is preserved.
	assert.Equal(t, []float64{30, 10, 20}, samples)

	assert.Equal(t, StatSummary{}, Summarize(nil))
}
