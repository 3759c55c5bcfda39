package ml

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ev-demand-analytics-engine/logging"
	"ev-demand-analytics-engine/metrics"
	"ev-demand-analytics-engine/storage"
)

// EventSource provides the event table together with the dataset version it
// was read at. Both must come from the same read.
type EventSource interface {
	Snapshot() ([]storage.Event, uint64)
}

// RunRecorder persists forecast runs
type RunRecorder interface {
	SaveForecastRun(ctx context.Context, records []storage.ForecastRecord) error
}

// ModelStatus describes the cached ensemble
type ModelStatus struct {
	Trained        bool              `json:"trained"`
	DatasetVersion uint64            `json:"dataset_version"`
	Generation     uint64            `json:"generation"`
	TrainedAt      time.Time         `json:"trained_at,omitempty"`
	Rows           int               `json:"rows"`
	TrainingRows   int               `json:"training_rows"`
	Models         []string          `json:"models"`
	SkippedModels  map[string]string `json:"skipped_models,omitempty"`
}

// ForecastService trains one ensemble per dataset version and serves
// forecasts from it. The trained ensemble is reused until the event table
// changes or Refresh is called.
type ForecastService struct {
	source      EventSource
	builder     *FeatureBuilder
	newEnsemble func() *EnsembleForecaster
	results     ResultCache
	recorder    RunRecorder
	logger      logrus.FieldLogger

	mu          sync.Mutex
	dataset     *Dataset
	fingerprint string
	version     uint64
	ensemble    *EnsembleForecaster
	generation  uint64
	trainedAt   time.Time
}

// ServiceOption configures a ForecastService
type ServiceOption func(*ForecastService)

// WithResultCache shares finished forecasts through cache
func WithResultCache(cache ResultCache) ServiceOption {
	return func(s *ForecastService) { s.results = cache }
}

// WithRunRecorder persists every computed forecast run
func WithRunRecorder(rec RunRecorder) ServiceOption {
	return func(s *ForecastService) { s.recorder = rec }
}

// NewForecastService creates a forecast service. newEnsemble is called for
// every retrain so that each dataset version gets fresh model state.
func NewForecastService(source EventSource, builder *FeatureBuilder, newEnsemble func() *EnsembleForecaster, logger logrus.FieldLogger, opts ...ServiceOption) *ForecastService {
	s := &ForecastService{
		source:      source,
		builder:     builder,
		newEnsemble: newEnsemble,
		logger:      logging.OrDefault(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Forecast returns the ensemble forecast for the next horizon hours
func (s *ForecastService) Forecast(ctx context.Context, horizon int) (*ForecastSeries, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", horizon)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ds, version := s.datasetFor()
	key := ResultKey(s.fingerprint, s.generation, horizon)

	if s.results != nil {
		cached, ok, err := s.results.Get(ctx, key)
		if err != nil {
			s.logger.WithError(err).Warn("forecast cache read failed")
		} else if ok {
			metrics.ForecastRuns.WithLabelValues("cached").Inc()
			return cached, nil
		}
	}

	ensemble, err := s.ensembleFor(ds, version)
	if err != nil {
		metrics.ForecastRuns.WithLabelValues("error").Inc()
		return nil, err
	}

	series, err := ensemble.Forecast(horizon)
	if err != nil {
		metrics.ForecastRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to forecast: %w", err)
	}
	series.RunID = uuid.NewString()
	series.DatasetVersion = version

	if series.InsufficientData {
		metrics.ForecastRuns.WithLabelValues("fallback").Inc()
	} else {
		metrics.ForecastRuns.WithLabelValues("ok").Inc()
	}

	if s.results != nil {
		if err := s.results.Set(ctx, key, series); err != nil {
			s.logger.WithError(err).Warn("forecast cache write failed")
		}
	}
	if s.recorder != nil {
		if err := s.recorder.SaveForecastRun(ctx, series.Records()); err != nil {
			s.logger.WithError(err).WithField("run_id", series.RunID).Warn("failed to persist forecast run")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":  series.RunID,
		"horizon": horizon,
		"version": version,
		"models":  series.Models,
	}).Info("forecast generated")
	return series, nil
}

// datasetFor rebuilds the feature table when the source version moved and
// drops the ensemble trained on the old one. Callers hold s.mu.
func (s *ForecastService) datasetFor() (*Dataset, uint64) {
	events, version := s.source.Snapshot()
	if s.dataset != nil && s.version == version {
		return s.dataset, version
	}
	s.dataset = s.builder.Build(events)
	s.fingerprint = DatasetFingerprint(s.dataset)
	s.version = version
	s.ensemble = nil
	return s.dataset, version
}

// ensembleFor returns the cached ensemble or trains one on ds. Callers hold s.mu.
func (s *ForecastService) ensembleFor(ds *Dataset, version uint64) (*EnsembleForecaster, error) {
	if s.ensemble != nil {
		return s.ensemble, nil
	}

	start := time.Now()
	ensemble := s.newEnsemble()
	if err := ensemble.Train(ds); err != nil {
		return nil, fmt.Errorf("failed to train ensemble: %w", err)
	}
	metrics.ForecastDuration.Observe(time.Since(start).Seconds())

	s.ensemble = ensemble
	s.trainedAt = time.Now().UTC()

	s.logger.WithFields(logrus.Fields{
		"version":  version,
		"rows":     len(ds.Full),
		"trained":  ensemble.Trained(),
		"duration": time.Since(start).String(),
	}).Info("ensemble trained")
	return ensemble, nil
}

// Refresh drops the cached ensemble and cached results
func (s *ForecastService) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensemble = nil
	s.generation++
	s.logger.WithField("generation", s.generation).Info("forecast cache invalidated")
}

// Status reports the state of the cached ensemble
func (s *ForecastService) Status() ModelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := ModelStatus{Generation: s.generation, Models: []string{}}
	if s.ensemble == nil {
		return st
	}
	st.Trained = true
	st.DatasetVersion = s.version
	st.TrainedAt = s.trainedAt
	st.Rows = len(s.dataset.Full)
	st.TrainingRows = len(s.dataset.Training)
	st.Models = s.ensemble.Trained()
	st.SkippedModels = s.ensemble.Skipped()
	return st
}
