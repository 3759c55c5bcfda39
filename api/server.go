package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"ev-demand-analytics-engine/analytics/ml"
	"ev-demand-analytics-engine/config"
	"ev-demand-analytics-engine/ingestion"
	"ev-demand-analytics-engine/jobs"
	"ev-demand-analytics-engine/logging"
	"ev-demand-analytics-engine/storage"
)

// maxBodyBytes bounds JSON request bodies
const maxBodyBytes = 8 << 20

// StorageReader interface for abstracting storage read operations
type StorageReader interface {
	Events() []storage.Event
	Range(stationID string, start, end time.Time) []storage.Event
	Stations() []storage.StationInfo
	Detections() storage.DetectionStore
	GetStorageStats() storage.StorageStats
}

// ForecastProvider serves ensemble forecasts
type ForecastProvider interface {
	Forecast(ctx context.Context, horizon int) (*ml.ForecastSeries, error)
	Refresh()
	Status() ml.ModelStatus
}

// JobRunner runs background video jobs
type JobRunner interface {
	Submit(ctx context.Context, source, path string) (jobs.Job, error)
	Get(ctx context.Context, id string) (jobs.Job, error)
	List(ctx context.Context) ([]jobs.Job, error)
	Reset(ctx context.Context) error
}

// Deps are the components the server exposes
type Deps struct {
	Storage   StorageReader
	Processor *ingestion.StreamProcessor
	Forecasts ForecastProvider
	Jobs      JobRunner
}

// Server represents the HTTP API server
type Server struct {
	router          *mux.Router
	cfg             *config.Config
	storage         StorageReader
	streamProcessor *ingestion.StreamProcessor
	forecasts       ForecastProvider
	jobs            JobRunner
	limiter         *rate.Limiter
	logger          logrus.FieldLogger
	startTime       time.Time
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Deps, logger logrus.FieldLogger) *Server {
	server := &Server{
		router:          mux.NewRouter(),
		cfg:             cfg,
		storage:         deps.Storage,
		streamProcessor: deps.Processor,
		forecasts:       deps.Forecasts,
		jobs:            deps.Jobs,
		logger:          logging.OrDefault(logger),
		startTime:       time.Now(),
	}
	if cfg.RateLimit.Enabled {
		server.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	}

	server.setupRoutes()
	return server
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	// Handle preflight requests
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	s.router.ServeHTTP(w, r)
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware, s.metricsMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	// Event ingestion and query
	api.Handle("/events", s.limit(s.ingestEvent)).Methods(http.MethodPost)
	api.Handle("/events/batch", s.limit(s.ingestBatch)).Methods(http.MethodPost)
	api.HandleFunc("/events", s.queryEvents).Methods(http.MethodGet)
	api.HandleFunc("/stations", s.listStations).Methods(http.MethodGet)

	// Forecasting
	api.HandleFunc("/forecast", s.getForecast).Methods(http.MethodGet)
	api.HandleFunc("/forecast/status", s.forecastStatus).Methods(http.MethodGet)
	api.Handle("/forecast/refresh", s.limit(s.refreshForecast)).Methods(http.MethodPost)

	// Dashboard analytics
	api.HandleFunc("/analytics/utilization", s.getUtilization).Methods(http.MethodGet)
	api.HandleFunc("/analytics/trend", s.getTrend).Methods(http.MethodGet)
	api.HandleFunc("/analytics/heatmap", s.getHeatmap).Methods(http.MethodGet)
	api.HandleFunc("/analytics/alerts", s.getAlerts).Methods(http.MethodGet)

	// Video analysis
	api.Handle("/video/jobs", s.limit(s.submitVideoJob)).Methods(http.MethodPost)
	api.HandleFunc("/video/jobs", s.listVideoJobs).Methods(http.MethodGet)
	api.HandleFunc("/video/jobs/{id}", s.getVideoJob).Methods(http.MethodGet)
	api.Handle("/video/reset", s.limit(s.resetVideo)).Methods(http.MethodPost)
	api.HandleFunc("/video/detections", s.listDetections).Methods(http.MethodGet)

	// System endpoints
	api.HandleFunc("/stats", s.getStats).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/", s.rootHandler).Methods(http.MethodGet)
}

// StatsResponse represents system statistics
type StatsResponse struct {
	Storage   storage.StorageStats     `json:"storage"`
	Ingestion ingestion.ProcessorStats `json:"ingestion"`
	Running   bool                     `json:"ingestion_running"`
	Forecast  ml.ModelStatus           `json:"forecast"`
	System    struct {
		StartTime time.Time `json:"start_time"`
		Uptime    string    `json:"uptime"`
	} `json:"system"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ingestEvent handles single event ingestion
func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var e storage.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&e); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC().Truncate(time.Hour)
	}

	if err := s.streamProcessor.IngestEvent(e); err != nil {
		http.Error(w, fmt.Sprintf("Failed to ingest event: %v", err), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":     "success",
		"message":    "Event ingested successfully",
		"station_id": e.StationID,
		"timestamp":  e.Timestamp.Format(time.RFC3339),
	})
}

// BatchRequest represents a batch of events
type BatchRequest struct {
	Events []storage.Event `json:"events"`
}

// ingestBatch handles batch event ingestion. Invalid events are skipped.
func (s *Server) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Events) == 0 {
		http.Error(w, "Empty batch", http.StatusBadRequest)
		return
	}
	if !s.streamProcessor.IsRunning() {
		http.Error(w, "Ingestion is not running", http.StatusServiceUnavailable)
		return
	}

	accepted := s.streamProcessor.IngestBatch(req.Events)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":   "success",
		"message":  fmt.Sprintf("Batch of %d events ingested", accepted),
		"accepted": accepted,
		"rejected": len(req.Events) - accepted,
	})
}

// queryEvents returns stored events, optionally for one station and range
func (s *Server) queryEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	start, err := parseTimeParam(query.Get("start"), time.Time{})
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid start: %v", err), http.StatusBadRequest)
		return
	}
	end, err := parseTimeParam(query.Get("end"), time.Now().UTC())
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid end: %v", err), http.StatusBadRequest)
		return
	}
	limit, err := intParam(query.Get("limit"), 0)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid limit: %v", err), http.StatusBadRequest)
		return
	}

	station := query.Get("station")
	events := s.storage.Range(station, start, end)
	if limit > 0 && len(events) > limit {
		// Keep the most recent events
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []storage.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"station": station,
		"events":  events,
		"count":   len(events),
	})
}

// listStations returns every known station
func (s *Server) listStations(w http.ResponseWriter, r *http.Request) {
	stations := s.storage.Stations()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stations": stations,
		"count":    len(stations),
	})
}

// getStats returns system statistics
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	var response StatsResponse
	response.Storage = s.storage.GetStorageStats()
	response.Ingestion = s.streamProcessor.GetStats()
	response.Running = s.streamProcessor.IsRunning()
	response.Forecast = s.forecasts.Status()
	response.System.StartTime = s.startTime
	response.System.Uptime = time.Since(s.startTime).String()

	writeJSON(w, http.StatusOK, response)
}

// healthCheck returns health status
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ingestionStatus := "healthy"
	if !s.streamProcessor.IsRunning() {
		ingestionStatus = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"services": map[string]string{
			"storage":   "healthy",
			"ingestion": ingestionStatus,
		},
	})
}

// rootHandler provides API information
func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "EV Demand Analytics Engine",
		"version":     "0.1.0",
		"description": "Charging demand forecasting and video-based vehicle counting",
		"endpoints": map[string]string{
			"POST /api/v1/events":                "Ingest single station event",
			"POST /api/v1/events/batch":          "Ingest event batch",
			"GET  /api/v1/events":                "Query station events",
			"GET  /api/v1/stations":              "List stations",
			"GET  /api/v1/forecast":              "Ensemble demand forecast (?hours=N)",
			"GET  /api/v1/forecast/status":       "Cached model status",
			"POST /api/v1/forecast/refresh":      "Invalidate cached models",
			"GET  /api/v1/analytics/utilization": "Utilization summary",
			"GET  /api/v1/analytics/trend":       "Hourly occupancy trend",
			"GET  /api/v1/analytics/heatmap":     "Weekly occupancy heatmap",
			"GET  /api/v1/analytics/alerts":      "Demand and saturation alerts",
			"POST /api/v1/video/jobs":            "Submit a detection log for analysis",
			"GET  /api/v1/video/jobs":            "List video jobs",
			"GET  /api/v1/video/jobs/{id}":       "Video job status",
			"POST /api/v1/video/reset":           "Clear job status and detections",
			"GET  /api/v1/video/detections":      "Persisted unique detections",
			"GET  /api/v1/stats":                 "System statistics",
			"GET  /health":                       "Health check",
			"GET  /metrics":                      "Prometheus metrics",
		},
	})
}

// parseTimeParam accepts RFC3339 times and relative offsets such as "-24h"
func parseTimeParam(value string, def time.Time) (time.Time, error) {
	if value == "" {
		return def, nil
	}
	if value[0] == '-' {
		d, err := time.ParseDuration(value[1:])
		if err != nil {
			return time.Time{}, err
		}
		return time.Now().UTC().Add(-d), nil
	}
	return time.Parse(time.RFC3339, value)
}

func intParam(value string, def int) (int, error) {
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}
