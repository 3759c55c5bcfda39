package analytics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Detection methods accepted by NewDetector
const (
	MethodZScore        = "zscore"
	MethodIQR           = "iqr"
	MethodMovingAverage = "moving_average"
)

// HourlyPoint is one value of an hourly demand series
type HourlyPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// AnomalyDetector scores points of an hourly series against a sliding window
type AnomalyDetector interface {
	Name() string
	Train(points []HourlyPoint) error
	Detect(point HourlyPoint) (AnomalyResult, error)
	GetThreshold() float64
	SetThreshold(threshold float64)
}

// NewDetector creates a detector for method, defaulting to z-score
func NewDetector(method string, threshold float64, windowSize int) AnomalyDetector {
	switch method {
	case MethodIQR:
		return NewIQRDetector(threshold, windowSize)
	case MethodMovingAverage:
		return NewMovingAverageDetector(threshold, windowSize)
	default:
		return NewZScoreDetector(threshold, windowSize)
	}
}

// AnomalyResult represents the result of anomaly detection
type AnomalyResult struct {
	IsAnomaly     bool      `json:"is_anomaly"`
	Score         float64   `json:"score"`
	Threshold     float64   `json:"threshold"`
	Method        string    `json:"method"`
	Timestamp     time.Time `json:"timestamp"`
	Value         float64   `json:"value"`
	ExpectedRange Range     `json:"expected_range,omitempty"`
}

// Range represents an expected value range
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// ZScoreDetector implements anomaly detection using Z-Score method
type ZScoreDetector struct {
	name       string
	threshold  float64
	windowSize int
	mean       float64
	stdDev     float64
	values     []float64
	mu         sync.RWMutex
}

// NewZScoreDetector creates a new Z-Score anomaly detector
func NewZScoreDetector(threshold float64, windowSize int) *ZScoreDetector {
	return &ZScoreDetector{
		name:       MethodZScore,
		threshold:  threshold,
		windowSize: windowSize,
		values:     make([]float64, 0, windowSize),
	}
}

func (z *ZScoreDetector) Name() string {
	return z.name
}

func (z *ZScoreDetector) GetThreshold() float64 {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.threshold
}

func (z *ZScoreDetector) SetThreshold(threshold float64) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.threshold = threshold
}

func (z *ZScoreDetector) Train(points []HourlyPoint) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if len(points) == 0 {
		return fmt.Errorf("no data points provided for training")
	}

	z.values = windowValues(points, z.windowSize)
	z.updateStatistics()
	return nil
}

func (z *ZScoreDetector) Detect(point HourlyPoint) (AnomalyResult, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if len(z.values) < 3 {
		// Need minimum data points for statistical analysis
		return AnomalyResult{
			IsAnomaly: false,
			Score:     0,
			Threshold: z.threshold,
			Method:    z.name,
			Timestamp: point.Timestamp,
			Value:     point.Value,
		}, nil
	}

	zScore := math.Abs(point.Value-z.mean) / z.stdDev
	result := AnomalyResult{
		IsAnomaly: zScore > z.threshold,
		Score:     zScore,
		Threshold: z.threshold,
		Method:    z.name,
		Timestamp: point.Timestamp,
		Value:     point.Value,
		ExpectedRange: Range{
			Min: z.mean - z.threshold*z.stdDev,
			Max: z.mean + z.threshold*z.stdDev,
		},
	}

	// Update sliding window
	z.values = append(z.values, point.Value)
	if len(z.values) > z.windowSize {
		z.values = z.values[1:]
	}
	z.updateStatistics()

	return result, nil
}

func (z *ZScoreDetector) updateStatistics() {
	if len(z.values) == 0 {
		return
	}
	if len(z.values) == 1 {
		z.mean, z.stdDev = z.values[0], 0
		return
	}

	z.mean, z.stdDev = stat.MeanStdDev(z.values, nil)

	// Prevent division by zero
	if z.stdDev == 0 {
		z.stdDev = 1e-10
	}
}

// IQRDetector implements anomaly detection using Interquartile Range method
type IQRDetector struct {
	name       string
	multiplier float64
	windowSize int
	values     []float64
	mu         sync.RWMutex
}

// NewIQRDetector creates a new IQR anomaly detector
func NewIQRDetector(multiplier float64, windowSize int) *IQRDetector {
	return &IQRDetector{
		name:       MethodIQR,
		multiplier: multiplier,
		windowSize: windowSize,
		values:     make([]float64, 0, windowSize),
	}
}

func (iqr *IQRDetector) Name() string {
	return iqr.name
}

func (iqr *IQRDetector) GetThreshold() float64 {
	iqr.mu.RLock()
	defer iqr.mu.RUnlock()
	return iqr.multiplier
}

func (iqr *IQRDetector) SetThreshold(threshold float64) {
	iqr.mu.Lock()
	defer iqr.mu.Unlock()
	iqr.multiplier = threshold
}

func (iqr *IQRDetector) Train(points []HourlyPoint) error {
	iqr.mu.Lock()
	defer iqr.mu.Unlock()

	if len(points) == 0 {
		return fmt.Errorf("no data points provided for training")
	}

	iqr.values = windowValues(points, iqr.windowSize)
	return nil
}

func (iqr *IQRDetector) Detect(point HourlyPoint) (AnomalyResult, error) {
	iqr.mu.Lock()
	defer iqr.mu.Unlock()

	if len(iqr.values) < 4 {
		// Need minimum data points for quartile calculation
		return AnomalyResult{
			IsAnomaly: false,
			Score:     0,
			Threshold: iqr.multiplier,
			Method:    iqr.name,
			Timestamp: point.Timestamp,
			Value:     point.Value,
		}, nil
	}

	// Calculate quartiles
	sortedValues := make([]float64, len(iqr.values))
	copy(sortedValues, iqr.values)
	sort.Float64s(sortedValues)

	q1 := percentile(sortedValues, 25)
	q3 := percentile(sortedValues, 75)
	iqrRange := q3 - q1

	// Calculate bounds
	lowerBound := q1 - iqr.multiplier*iqrRange
	upperBound := q3 + iqr.multiplier*iqrRange

	isAnomaly := point.Value < lowerBound || point.Value > upperBound

	// Calculate anomaly score as distance from nearest bound
	var score float64
	if point.Value < lowerBound {
		score = (lowerBound - point.Value) / iqrRange
	} else if point.Value > upperBound {
		score = (point.Value - upperBound) / iqrRange
	} else {
		score = 0
	}

	// Update sliding window
	iqr.values = append(iqr.values, point.Value)
	if len(iqr.values) > iqr.windowSize {
		iqr.values = iqr.values[1:]
	}

	return AnomalyResult{
		IsAnomaly: isAnomaly,
		Score:     score,
		Threshold: iqr.multiplier,
		Method:    iqr.name,
		Timestamp: point.Timestamp,
		Value:     point.Value,
		ExpectedRange: Range{
			Min: lowerBound,
			Max: upperBound,
		},
	}, nil
}

// MovingAverageDetector implements anomaly detection using moving average deviation
type MovingAverageDetector struct {
	name           string
	threshold      float64
	windowSize     int
	deviationLimit float64
	values         []float64
	mu             sync.RWMutex
}

// NewMovingAverageDetector creates a new moving average anomaly detector
func NewMovingAverageDetector(threshold float64, windowSize int) *MovingAverageDetector {
	return &MovingAverageDetector{
		name:           MethodMovingAverage,
		threshold:      threshold,
		windowSize:     windowSize,
		deviationLimit: threshold,
		values:         make([]float64, 0, windowSize),
	}
}

func (ma *MovingAverageDetector) Name() string {
	return ma.name
}

func (ma *MovingAverageDetector) GetThreshold() float64 {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return ma.threshold
}

func (ma *MovingAverageDetector) SetThreshold(threshold float64) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.threshold = threshold
	ma.deviationLimit = threshold
}

func (ma *MovingAverageDetector) Train(points []HourlyPoint) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()

	if len(points) == 0 {
		return fmt.Errorf("no data points provided for training")
	}

	ma.values = windowValues(points, ma.windowSize)
	return nil
}

func (ma *MovingAverageDetector) Detect(point HourlyPoint) (AnomalyResult, error) {
	ma.mu.Lock()
	defer ma.mu.Unlock()

	if len(ma.values) < 2 {
		// Need minimum data points
		return AnomalyResult{
			IsAnomaly: false,
			Score:     0,
			Threshold: ma.threshold,
			Method:    ma.name,
			Timestamp: point.Timestamp,
			Value:     point.Value,
		}, nil
	}

	average := stat.Mean(ma.values, nil)

	// Calculate mean absolute deviation
	mad := 0.0
	for _, v := range ma.values {
		mad += math.Abs(v - average)
	}
	mad /= float64(len(ma.values))

	// Calculate deviation from average
	deviation := math.Abs(point.Value - average)
	score := deviation / (mad + 1e-10) // Prevent division by zero

	isAnomaly := score > ma.threshold

	// Update sliding window
	ma.values = append(ma.values, point.Value)
	if len(ma.values) > ma.windowSize {
		ma.values = ma.values[1:]
	}

	return AnomalyResult{
		IsAnomaly: isAnomaly,
		Score:     score,
		Threshold: ma.threshold,
		Method:    ma.name,
		Timestamp: point.Timestamp,
		Value:     point.Value,
		ExpectedRange: Range{
			Min: average - ma.deviationLimit*mad,
			Max: average + ma.deviationLimit*mad,
		},
	}, nil
}

// windowValues extracts the values of the most recent windowSize points
func windowValues(points []HourlyPoint, windowSize int) []float64 {
	if len(points) > windowSize {
		points = points[len(points)-windowSize:]
	}
	values := make([]float64, len(points))
	for i, point := range points {
		values[i] = point.Value
	}
	return values
}

// percentile interpolates linearly between the closest ranks of sortedData
func percentile(sortedData []float64, p float64) float64 {
	if len(sortedData) == 0 {
		return 0
	}
	if len(sortedData) == 1 {
		return sortedData[0]
	}

	index := (p / 100.0) * float64(len(sortedData)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return sortedData[lower]
	}

	// Linear interpolation
	weight := index - float64(lower)
	return sortedData[lower]*(1-weight) + sortedData[upper]*weight
}
