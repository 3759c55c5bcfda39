package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evdemand_events_ingested_total",
		Help: "Total number of station events written to the store.",
	})
	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evdemand_events_rejected_total",
		Help: "Total number of station events that failed validation.",
	})

	ForecastRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evdemand_forecast_runs_total",
		Help: "Total number of forecast runs by outcome.",
	}, []string{"outcome"})
	ForecastDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "evdemand_forecast_train_duration_seconds",
		Help:    "Duration of ensemble training.",
		Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
	})
	ModelFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evdemand_model_training_failures_total",
		Help: "Total number of skipped models by model name.",
	}, []string{"model"})

	FramesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evdemand_video_frames_processed_total",
		Help: "Total number of sampled frames fed to the tracker.",
	})
	FramesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evdemand_video_frames_skipped_total",
		Help: "Total number of sampled frames dropped after a detector error.",
	})
	UniqueDetections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evdemand_video_unique_detections_total",
		Help: "Total number of unique vehicle detections persisted.",
	})
	VideoJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evdemand_video_jobs_total",
		Help: "Total number of video jobs by final status.",
	}, []string{"status"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evdemand_http_requests_total",
		Help: "Total number of HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evdemand_http_request_duration_seconds",
		Help:    "Duration of HTTP requests by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)
