package ml

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"ev-demand-analytics-engine/config"
	"ev-demand-analytics-engine/logging"
	"ev-demand-analytics-engine/metrics"
	"ev-demand-analytics-engine/storage"
)

// bandZ is the two-sided 95% normal quantile used for the confidence band
const bandZ = 1.96

// fallbackWindow is the number of trailing hours averaged by the flat fallback
const fallbackWindow = 24

// ForecastPoint is the combined forecast for one future hour. Per-model
// values are nil when that model did not contribute.
type ForecastPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Seasonal  *float64  `json:"seasonal_value"`
	Tree      *float64  `json:"tree_value"`
	Sequence  *float64  `json:"sequence_value"`
	Ensemble  float64   `json:"ensemble_value"`
	Lower     float64   `json:"lower_bound"`
	Upper     float64   `json:"upper_bound"`
}

// PeakDemand is the highest ensemble value in a forecast
type PeakDemand struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// ForecastSeries is the output of one forecast run
type ForecastSeries struct {
	RunID            string            `json:"run_id,omitempty"`
	DatasetVersion   uint64            `json:"dataset_version"`
	GeneratedAt      time.Time         `json:"generated_at"`
	Horizon          int               `json:"horizon_hours"`
	Points           []ForecastPoint   `json:"points"`
	Models           []string          `json:"models"`
	SkippedModels    map[string]string `json:"skipped_models,omitempty"`
	InsufficientData bool              `json:"insufficient_data"`
	Peak             PeakDemand        `json:"peak"`
	Average          float64           `json:"average"`
	WeekendAverage   float64           `json:"weekend_average"`
}

// Records flattens the series into per-model rows for persistence
func (fs *ForecastSeries) Records() []storage.ForecastRecord {
	var out []storage.ForecastRecord
	for i := range fs.Points {
		p := fs.Points[i]
		lower, upper := p.Lower, p.Upper
		out = append(out, storage.ForecastRecord{
			RunID: fs.RunID, Timestamp: p.Timestamp, ModelType: ModelEnsemble,
			PredictedValue: p.Ensemble, LowerBound: &lower, UpperBound: &upper,
		})
		for name, v := range map[string]*float64{ModelSeasonal: p.Seasonal, ModelTree: p.Tree, ModelSequence: p.Sequence} {
			if v != nil {
				out = append(out, storage.ForecastRecord{
					RunID: fs.RunID, Timestamp: p.Timestamp, ModelType: name, PredictedValue: *v,
				})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModelType != out[j].ModelType {
			return out[i].ModelType < out[j].ModelType
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// CombinePoint merges model outputs for one timestep: the mean clamped at
// zero, and a band of ±1.96 population standard deviations around it with
// the lower bound also clamped at zero.
func CombinePoint(outputs []float64) (ensemble, lower, upper float64) {
	mu, sigma := stat.PopMeanStdDev(outputs, nil)
	ensemble = math.Max(mu, 0)
	lower = math.Max(ensemble-bandZ*sigma, 0)
	upper = ensemble + bandZ*sigma
	return ensemble, lower, upper
}

// EnsembleForecaster trains a set of forecasters on one dataset and averages
// whichever of them trained successfully. Instances are not safe for
// concurrent Train calls.
type EnsembleForecaster struct {
	models  []Forecaster
	trained []Forecaster
	skipped map[string]string
	dataset *Dataset
	logger  logrus.FieldLogger
}

// NewEnsembleForecaster creates an ensemble over the given models
func NewEnsembleForecaster(models []Forecaster, logger logrus.FieldLogger) *EnsembleForecaster {
	return &EnsembleForecaster{
		models:  models,
		skipped: make(map[string]string),
		logger:  logging.OrDefault(logger),
	}
}

// NewDefaultEnsemble creates the seasonal, tree and sequence ensemble
func NewDefaultEnsemble(cfg config.ForecastingConfig, logger logrus.FieldLogger) *EnsembleForecaster {
	return NewEnsembleForecaster([]Forecaster{
		NewSeasonalModel(cfg.Seasonal),
		NewTreeModel(cfg.Tree),
		NewSequenceModel(cfg.Sequence),
	}, logger)
}

// Train fits every model. A model that fails is recorded as skipped and left
// out of the combination; Train itself only fails on a nil dataset.
func (e *EnsembleForecaster) Train(ds *Dataset) error {
	if ds == nil {
		return fmt.Errorf("dataset is nil")
	}

	e.dataset = ds
	e.trained = e.trained[:0]
	e.skipped = make(map[string]string)

	for _, m := range e.models {
		start := time.Now()
		if err := m.Train(ds); err != nil {
			e.skip(m.Name(), err)
			continue
		}
		e.trained = append(e.trained, m)
		e.logger.WithFields(logrus.Fields{
			"model":    m.Name(),
			"rows":     len(ds.Full),
			"duration": time.Since(start).String(),
		}).Debug("model trained")
	}
	return nil
}

func (e *EnsembleForecaster) skip(name string, err error) {
	e.skipped[name] = err.Error()
	metrics.ModelFailures.WithLabelValues(name).Inc()

	entry := e.logger.WithField("model", name).WithError(err)
	if errors.Is(err, ErrInsufficientData) {
		entry.Warn("model skipped: insufficient data")
	} else {
		entry.Warn("model skipped: training failed")
	}
}

// Trained returns the names of models that contribute to the forecast
func (e *EnsembleForecaster) Trained() []string {
	names := make([]string, len(e.trained))
	for i, m := range e.trained {
		names[i] = m.Name()
	}
	return names
}

// Skipped returns the reason each skipped model was dropped
func (e *EnsembleForecaster) Skipped() map[string]string {
	out := make(map[string]string, len(e.skipped))
	for k, v := range e.skipped {
		out[k] = v
	}
	return out
}

// Forecast produces horizon hourly points after the last observed hour.
// When no model can contribute a flat fallback marked InsufficientData is
// returned instead of an error.
func (e *EnsembleForecaster) Forecast(horizon int) (*ForecastSeries, error) {
	if e.dataset == nil {
		return nil, ErrNotTrained
	}
	if horizon <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", horizon)
	}

	skipped := e.Skipped()
	outputs := make(map[string][]float64)
	var names []string
	for _, m := range e.trained {
		pred, err := m.Predict(horizon)
		if err == nil && len(pred) != horizon {
			err = fmt.Errorf("model returned %d values for horizon %d", len(pred), horizon)
		}
		if err == nil && !allFinite(pred) {
			err = fmt.Errorf("model produced non-finite values")
		}
		if err != nil {
			skipped[m.Name()] = err.Error()
			metrics.ModelFailures.WithLabelValues(m.Name()).Inc()
			e.logger.WithField("model", m.Name()).WithError(err).Warn("model skipped at prediction")
			continue
		}
		outputs[m.Name()] = pred
		names = append(names, m.Name())
	}

	series := &ForecastSeries{
		GeneratedAt:   time.Now().UTC(),
		Horizon:       horizon,
		Models:        names,
		SkippedModels: skipped,
	}

	start := e.start()
	if len(names) == 0 {
		series.Points = e.fallback(start, horizon)
		series.InsufficientData = true
		series.Models = []string{}
	} else {
		series.Points = make([]ForecastPoint, horizon)
		values := make([]float64, 0, len(names))
		for h := 0; h < horizon; h++ {
			values = values[:0]
			p := ForecastPoint{Timestamp: start.Add(time.Duration(h+1) * time.Hour)}
			for _, name := range names {
				v := outputs[name][h]
				values = append(values, v)
				switch name {
				case ModelSeasonal:
					p.Seasonal = floatPtr(v)
				case ModelTree:
					p.Tree = floatPtr(v)
				case ModelSequence:
					p.Sequence = floatPtr(v)
				}
			}
			p.Ensemble, p.Lower, p.Upper = CombinePoint(values)
			series.Points[h] = p
		}
	}

	series.Peak, series.Average, series.WeekendAverage = summarize(series.Points, e.dataset.Location)
	return series, nil
}

// start returns the hour the forecast continues from
func (e *EnsembleForecaster) start() time.Time {
	if last, ok := e.dataset.LastTimestamp(); ok {
		return last
	}
	return time.Now().UTC().Truncate(time.Hour)
}

// fallback emits a constant forecast at the mean of the last day of actual
// counts, with a band from the spread of those same counts.
func (e *EnsembleForecaster) fallback(start time.Time, horizon int) []ForecastPoint {
	counts := e.dataset.Counts()
	if len(counts) > fallbackWindow {
		counts = counts[len(counts)-fallbackWindow:]
	}

	var mu, sigma float64
	if len(counts) > 0 {
		mu, sigma = stat.PopMeanStdDev(counts, nil)
	}
	ensemble := math.Max(mu, 0)
	lower := math.Max(ensemble-bandZ*sigma, 0)
	upper := ensemble + bandZ*sigma

	points := make([]ForecastPoint, horizon)
	for h := range points {
		points[h] = ForecastPoint{
			Timestamp: start.Add(time.Duration(h+1) * time.Hour),
			Ensemble:  ensemble,
			Lower:     lower,
			Upper:     upper,
		}
	}
	return points
}

// summarize returns the first maximum, the mean, and the mean over weekend
// hours (0 when the horizon has none).
func summarize(points []ForecastPoint, loc *time.Location) (PeakDemand, float64, float64) {
	if len(points) == 0 {
		return PeakDemand{}, 0, 0
	}
	if loc == nil {
		loc = time.UTC
	}

	values := make([]float64, len(points))
	var weekend []float64
	peak := PeakDemand{Timestamp: points[0].Timestamp, Value: points[0].Ensemble}
	for i, p := range points {
		values[i] = p.Ensemble
		if p.Ensemble > peak.Value {
			peak = PeakDemand{Timestamp: p.Timestamp, Value: p.Ensemble}
		}
		if mondayFirst(p.Timestamp.In(loc).Weekday()) >= 5 {
			weekend = append(weekend, p.Ensemble)
		}
	}

	weekendAvg := 0.0
	if len(weekend) > 0 {
		weekendAvg = stat.Mean(weekend, nil)
	}
	return peak, stat.Mean(values, nil), weekendAvg
}

func allFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func floatPtr(v float64) *float64 {
	return &v
}
