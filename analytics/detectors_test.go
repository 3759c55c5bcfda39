package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseHour = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func TestZScoreDetector_Train(t *testing.T) {
	detector := NewZScoreDetector(3.0, 100)

	require.NoError(t, detector.Train(generateTestPoints(100, 50.0, 10.0)))
	assert.NotZero(t, detector.mean)
	assert.NotZero(t, detector.stdDev)

	assert.Error(t, detector.Train(nil))
}

func TestZScoreDetector_Detect(t *testing.T) {
	detector := NewZScoreDetector(2.0, 50)
	require.NoError(t, detector.Train(generateTestPoints(50, 100.0, 5.0)))

	result, err := detector.Detect(HourlyPoint{Timestamp: baseHour, Value: 102.0})
	require.NoError(t, err)
	assert.False(t, result.IsAnomaly)

	result, err = detector.Detect(HourlyPoint{Timestamp: baseHour, Value: 150.0})
	require.NoError(t, err)
	assert.True(t, result.IsAnomaly)
	assert.Greater(t, result.Score, 2.0)
	assert.Less(t, result.ExpectedRange.Max, 150.0)
}

func TestZScoreDetector_NeedsThreePoints(t *testing.T) {
	detector := NewZScoreDetector(2.0, 50)
	require.NoError(t, detector.Train([]HourlyPoint{{Value: 1}, {Value: 2}}))

	result, err := detector.Detect(HourlyPoint{Value: 1000})
	require.NoError(t, err)
	assert.False(t, result.IsAnomaly)
	assert.Zero(t, result.Score)
}

func TestIQRDetector_Detect(t *testing.T) {
	detector := NewIQRDetector(1.5, 100)
	require.NoError(t, detector.Train(generateTestPoints(100, 50.0, 10.0)))

	result, err := detector.Detect(HourlyPoint{Timestamp: baseHour, Value: 52.0})
	require.NoError(t, err)
	assert.False(t, result.IsAnomaly)

	result, err = detector.Detect(HourlyPoint{Timestamp: baseHour, Value: 500.0})
	require.NoError(t, err)
	assert.True(t, result.IsAnomaly)
	assert.Equal(t, MethodIQR, result.Method)
}

func TestMovingAverageDetector_Detect(t *testing.T) {
	detector := NewMovingAverageDetector(3.0, 20)
	require.NoError(t, detector.Train(generateSteadyTestPoints(20, 100.0, 2.0)))

	result, err := detector.Detect(HourlyPoint{Timestamp: baseHour, Value: 101.0})
	require.NoError(t, err)
	assert.False(t, result.IsAnomaly)

	result, err = detector.Detect(HourlyPoint{Timestamp: baseHour, Value: 130.0})
	require.NoError(t, err)
	assert.True(t, result.IsAnomaly)
}

func TestNewDetector(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{MethodZScore, MethodZScore},
		{MethodIQR, MethodIQR},
		{MethodMovingAverage, MethodMovingAverage},
		{"", MethodZScore},
	}
	for _, tt := range tests {
		d := NewDetector(tt.method, 2.5, 10)
		assert.Equal(t, tt.want, d.Name())
		assert.Equal(t, 2.5, d.GetThreshold())
	}

	d := NewDetector(MethodIQR, 1.5, 10)
	d.SetThreshold(3)
	assert.Equal(t, 3.0, d.GetThreshold())
}

func TestPercentileCalculation(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	q1 := percentile(data, 25)
	q2 := percentile(data, 50)
	q3 := percentile(data, 75)

	assert.Equal(t, 5.5, q2)
	assert.LessOrEqual(t, q1, q2)
	assert.LessOrEqual(t, q2, q3)

	assert.Equal(t, 42.0, percentile([]float64{42}, 50))
	assert.Equal(t, 0.0, percentile(nil, 50))
}

func TestZScoreDetector_WindowSize(t *testing.T) {
	windowSize := 5
	detector := NewZScoreDetector(2.0, windowSize)

	require.NoError(t, detector.Train(generateTestPoints(10, 100.0, 5.0)))
	assert.LessOrEqual(t, len(detector.values), windowSize)

	for i := 0; i < 10; i++ {
		_, err := detector.Detect(HourlyPoint{Timestamp: baseHour, Value: float64(100 + i)})
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, len(detector.values), windowSize)
}

func TestAnomalyResult_ExpectedRange(t *testing.T) {
	detector := NewZScoreDetector(2.0, 50)
	require.NoError(t, detector.Train(generateTestPoints(50, 100.0, 10.0)))

	result, err := detector.Detect(HourlyPoint{Timestamp: baseHour, Value: 105.0})
	require.NoError(t, err)

	width := result.ExpectedRange.Max - result.ExpectedRange.Min
	assert.Greater(t, width, 10.0)
	assert.Less(t, width, 100.0)
}

func generateTestPoints(count int, mean, stddev float64) []HourlyPoint {
	points := make([]HourlyPoint, count)
	for i := 0; i < count; i++ {
		value := mean + stddev*math.Sin(float64(i)*0.1) + stddev*0.3*math.Cos(float64(i)*0.7)
		points[i] = HourlyPoint{
			Timestamp: baseHour.Add(time.Duration(i) * time.Hour),
			Value:     value,
		}
	}
	return points
}

func generateSteadyTestPoints(count int, base, variation float64) []HourlyPoint {
	points := make([]HourlyPoint, count)
	for i := 0; i < count; i++ {
		points[i] = HourlyPoint{
			Timestamp: baseHour.Add(time.Duration(i) * time.Hour),
			Value:     base + variation*math.Sin(float64(i)*0.2),
		}
	}
	return points
}

func BenchmarkZScoreDetector_Detect(b *testing.B) {
	detector := NewZScoreDetector(3.0, 100)
	_ = detector.Train(generateTestPoints(100, 100.0, 10.0))

	point := HourlyPoint{Timestamp: baseHour, Value: 105.0}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = detector.Detect(point)
	}
}

func BenchmarkIQRDetector_Detect(b *testing.B) {
	detector := NewIQRDetector(1.5, 100)
	_ = detector.Train(generateTestPoints(100, 100.0, 10.0))

	point := HourlyPoint{Timestamp: baseHour, Value: 105.0}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = detector.Detect(point)
	}
}
