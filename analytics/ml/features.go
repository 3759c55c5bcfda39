package ml

import (
	"math"
	"sort"
	"time"

	"ev-demand-analytics-engine/storage"
)

// Lag and rolling windows used for the engineered features. A row is usable
// for training once every one of them is defined.
const (
	lagShort     = 1
	lagMedium    = 2
	lagDaily     = 24
	rollingShort = 3
	rollingDaily = 24
)

// FeatureNames lists the model input columns in the order returned by Row.Features
var FeatureNames = []string{
	"hour", "day_of_week", "is_weekend",
	"lag_1", "lag_2", "lag_24",
	"rolling_mean_3h", "rolling_mean_24h",
}

// Row is one aggregated hourly observation with its derived features.
// Undefined lags and rolling means are NaN.
type Row struct {
	Timestamp     time.Time `json:"timestamp"`
	VehicleCount  float64   `json:"vehicle_count"`
	SessionCount  float64   `json:"session_count"`
	OccupancyRate float64   `json:"occupancy_rate"`
	QueueLength   float64   `json:"queue_length"`

	Hour          int     `json:"hour"`
	DayOfWeek     int     `json:"day_of_week"` // Monday = 0
	IsWeekend     int     `json:"is_weekend"`
	Lag1          float64 `json:"lag_1"`
	Lag2          float64 `json:"lag_2"`
	Lag24         float64 `json:"lag_24"`
	RollingMean3  float64 `json:"rolling_mean_3h"`
	RollingMean24 float64 `json:"rolling_mean_24h"`
}

// Features returns the model inputs in FeatureNames order
func (r Row) Features() []float64 {
	return []float64{
		float64(r.Hour), float64(r.DayOfWeek), float64(r.IsWeekend),
		r.Lag1, r.Lag2, r.Lag24,
		r.RollingMean3, r.RollingMean24,
	}
}

// Complete reports whether every lag and rolling feature is defined
func (r Row) Complete() bool {
	for _, v := range r.Features() {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Dataset holds the full aggregated table and the training subset with the
// incomplete leading rows removed.
type Dataset struct {
	Full     []Row
	Training []Row
	Location *time.Location
}

// Counts returns vehicle_count of every row in the full table
func (d *Dataset) Counts() []float64 {
	return counts(d.Full)
}

// TrainingCounts returns vehicle_count of every training row
func (d *Dataset) TrainingCounts() []float64 {
	return counts(d.Training)
}

// LastTimestamp returns the timestamp of the final full-table row
func (d *Dataset) LastTimestamp() (time.Time, bool) {
	if len(d.Full) == 0 {
		return time.Time{}, false
	}
	return d.Full[len(d.Full)-1].Timestamp, true
}

func counts(rows []Row) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r.VehicleCount
	}
	return out
}

// FeatureBuilder turns raw station events into the global hourly feature table
type FeatureBuilder struct {
	location *time.Location
}

// NewFeatureBuilder creates a builder deriving calendar features in loc (UTC when nil)
func NewFeatureBuilder(loc *time.Location) *FeatureBuilder {
	if loc == nil {
		loc = time.UTC
	}
	return &FeatureBuilder{location: loc}
}

// Build aggregates events across stations per timestamp (sums of counts,
// mean occupancy) and derives calendar, lag and rolling features. The input
// is not modified.
func (fb *FeatureBuilder) Build(events []storage.Event) *Dataset {
	full := fb.aggregate(events)

	values := counts(full)
	for i := range full {
		local := full[i].Timestamp.In(fb.location)
		full[i].Hour = local.Hour()
		full[i].DayOfWeek = mondayFirst(local.Weekday())
		if full[i].DayOfWeek >= 5 {
			full[i].IsWeekend = 1
		}

		full[i].Lag1 = shifted(values, i, lagShort)
		full[i].Lag2 = shifted(values, i, lagMedium)
		full[i].Lag24 = shifted(values, i, lagDaily)
		full[i].RollingMean3 = rollingMean(values, i, rollingShort)
		full[i].RollingMean24 = rollingMean(values, i, rollingDaily)
	}

	training := make([]Row, 0, len(full))
	for _, r := range full {
		if r.Complete() {
			training = append(training, r)
		}
	}

	return &Dataset{Full: full, Training: training, Location: fb.location}
}

func (fb *FeatureBuilder) aggregate(events []storage.Event) []Row {
	type bucket struct {
		row       Row
		occupancy float64
		n         int
	}

	buckets := make(map[int64]*bucket)
	for _, e := range events {
		key := e.Timestamp.UnixNano()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{row: Row{Timestamp: e.Timestamp}}
			buckets[key] = b
		}
		b.row.VehicleCount += float64(e.VehicleCount)
		b.row.SessionCount += float64(e.SessionCount)
		b.row.QueueLength += float64(e.QueueLength)
		b.occupancy += e.OccupancyRate
		b.n++
	}

	rows := make([]Row, 0, len(buckets))
	for _, b := range buckets {
		b.row.OccupancyRate = b.occupancy / float64(b.n)
		rows = append(rows, b.row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})
	return rows
}

// mondayFirst maps time.Weekday (Sunday = 0) to a Monday = 0 index
func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// shifted returns values[i-lag], or NaN when it precedes the series
func shifted(values []float64, i, lag int) float64 {
	if i-lag < 0 {
		return math.NaN()
	}
	return values[i-lag]
}

// rollingMean returns the mean of the window ending at (and including) i
func rollingMean(values []float64, i, window int) float64 {
	if i+1 < window {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values[i+1-window : i+1] {
		sum += v
	}
	return sum / float64(window)
}

// CalendarRow builds the feature row for the hour at ts from the tail of a
// running history buffer. It mirrors Build for a single future step, so lags
// and rolling means are taken from the most recent values of history.
func CalendarRow(ts time.Time, loc *time.Location, history []float64) Row {
	if loc == nil {
		loc = time.UTC
	}
	local := ts.In(loc)
	r := Row{
		Timestamp:     ts,
		Hour:          local.Hour(),
		DayOfWeek:     mondayFirst(local.Weekday()),
		Lag1:          tail(history, lagShort),
		Lag2:          tail(history, lagMedium),
		Lag24:         tail(history, lagDaily),
		RollingMean3:  tailMean(history, rollingShort),
		RollingMean24: tailMean(history, rollingDaily),
	}
	if r.DayOfWeek >= 5 {
		r.IsWeekend = 1
	}
	return r
}

// tail returns history[len-k], falling back to the oldest value when the
// buffer is shorter than k.
func tail(history []float64, k int) float64 {
	if len(history) == 0 {
		return math.NaN()
	}
	idx := len(history) - k
	if idx < 0 {
		idx = 0
	}
	return history[idx]
}

// tailMean averages the last window values (or all of them when fewer)
func tailMean(history []float64, window int) float64 {
	if len(history) == 0 {
		return math.NaN()
	}
	start := len(history) - window
	if start < 0 {
		start = 0
	}
	sum := 0.0
	for _, v := range history[start:] {
		sum += v
	}
	return sum / float64(len(history)-start)
}
