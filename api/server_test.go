package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ev-demand-analytics-engine/analytics/ml"
	"ev-demand-analytics-engine/config"
	"ev-demand-analytics-engine/ingestion"
	"ev-demand-analytics-engine/jobs"
	"ev-demand-analytics-engine/storage"
	"ev-demand-analytics-engine/video"
)

type testEnv struct {
	cfg       *config.Config
	engine    *storage.StorageEngine
	processor *ingestion.StreamProcessor
	runner    *jobs.Runner
	server    *Server
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Video.TempDir = t.TempDir()
	cfg.Ingestion.FlushInterval = config.Duration{Duration: time.Hour}
	cfg.Forecasting.Sequence.Epochs = 2
	if mutate != nil {
		mutate(cfg)
	}

	engine := storage.NewStorageEngine(&storage.StorageConfig{MaxStations: 100, MaxEventsPerStation: 10000}, nil, nil)
	processor := ingestion.NewStreamProcessor(engine, cfg.Ingestion, nil)
	require.NoError(t, processor.Start(context.Background()))
	t.Cleanup(processor.Stop)

	forecasts := ml.NewForecastService(engine, ml.NewFeatureBuilder(time.UTC), func() *ml.EnsembleForecaster {
		return ml.NewDefaultEnsemble(cfg.Forecasting, nil)
	}, nil)
	runner := jobs.NewRunner(video.ReplayDetector{}, engine.Detections(), engine, jobs.NewMemoryStatusStore(), jobs.RunnerConfigFrom(cfg), nil)

	server := NewServer(cfg, Deps{Storage: engine, Processor: processor, Forecasts: forecasts, Jobs: runner}, nil)
	return &testEnv{cfg: cfg, engine: engine, processor: processor, runner: runner, server: server}
}

func (env *testEnv) do(t *testing.T, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

// seedHourly stores n hourly events for station ending at the current hour
func (env *testEnv) seedHourly(t *testing.T, station string, n int) {
	t.Helper()
	end := time.Now().UTC().Truncate(time.Hour)
	events := make([]storage.Event, n)
	for i := range events {
		ts := end.Add(-time.Duration(n-1-i) * time.Hour)
		vehicles := 10 + ts.Hour()%6
		events[i] = storage.Event{Timestamp: ts, StationID: station, VehicleCount: vehicles, SessionCount: vehicles - 2, OccupancyRate: 0.5}
	}
	require.NoError(t, env.engine.AddEvents(context.Background(), events))
}

func TestHealthAndRoot(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ingestion":"healthy"`)

	rec = env.do(t, http.MethodGet, "/", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "EV Demand Analytics Engine")

	rec = env.do(t, http.MethodOptions, "/api/v1/events", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestIngestAndQueryEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := time.Now().UTC().Truncate(time.Hour).Format(time.RFC3339)

	body := fmt.Sprintf(`{"timestamp":%q,"station_id":"north","vehicle_count":14,"session_count":11,"occupancy_rate":1,"queue_length":2}`, ts)
	rec := env.do(t, http.MethodPost, "/api/v1/events", []byte(body), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/events", []byte(`{"station_id":"north","vehicle_count":3,"occupancy_rate":0.2,"queue_length":1}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "queue without saturation")

	rec = env.do(t, http.MethodPost, "/api/v1/events", []byte(`{not json`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	batch := fmt.Sprintf(`{"events":[
		{"timestamp":%q,"station_id":"south","vehicle_count":5,"session_count":4,"occupancy_rate":0.4},
		{"timestamp":%q,"station_id":"","vehicle_count":5,"session_count":4,"occupancy_rate":0.4}
	]}`, ts, ts)
	rec = env.do(t, http.MethodPost, "/api/v1/events/batch", []byte(batch), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var batchResp struct {
		Accepted int `json:"accepted"`
		Rejected int `json:"rejected"`
	}
	decode(t, rec, &batchResp)
	assert.Equal(t, 1, batchResp.Accepted)
	assert.Equal(t, 1, batchResp.Rejected)

	rec = env.do(t, http.MethodPost, "/api/v1/events/batch", []byte(`{"events":[]}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.processor.Flush()

	rec = env.do(t, http.MethodGet, "/api/v1/events?station=north&start=-48h", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var query struct {
		Events []storage.Event `json:"events"`
		Count  int             `json:"count"`
	}
	decode(t, rec, &query)
	require.Equal(t, 1, query.Count)
	assert.Equal(t, 2, query.Events[0].QueueLength)

	rec = env.do(t, http.MethodGet, "/api/v1/events?start=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/stations", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stations struct {
		Count int `json:"count"`
	}
	decode(t, rec, &stations)
	assert.Equal(t, 2, stations.Count)

	rec = env.do(t, http.MethodGet, "/api/v1/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats StatsResponse
	decode(t, rec, &stats)
	assert.Equal(t, int64(2), stats.Storage.TotalEvents)
	assert.Equal(t, int64(2), stats.Ingestion.TotalProcessed)
	assert.True(t, stats.Running)
}

func TestForecastEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedHourly(t, "north", 72)

	rec := env.do(t, http.MethodGet, "/api/v1/forecast?hours=6", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var series ml.ForecastSeries
	decode(t, rec, &series)
	assert.Len(t, series.Points, 6)
	assert.NotEmpty(t, series.RunID)
	assert.False(t, series.InsufficientData)
	for _, p := range series.Points {
		assert.GreaterOrEqual(t, p.Ensemble, 0.0)
		assert.LessOrEqual(t, p.Lower, p.Ensemble)
		assert.GreaterOrEqual(t, p.Upper, p.Ensemble)
	}

	for _, hours := range []string{"0", "-3", "abc", "100000"} {
		rec = env.do(t, http.MethodGet, "/api/v1/forecast?hours="+hours, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "hours=%s", hours)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/forecast/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status ml.ModelStatus
	decode(t, rec, &status)
	assert.True(t, status.Trained)
	assert.Equal(t, 72, status.Rows)

	rec = env.do(t, http.MethodPost, "/api/v1/forecast/refresh", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"trained":false`)
}

func TestForecastWithoutDataFallsBack(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/forecast", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var series ml.ForecastSeries
	decode(t, rec, &series)
	assert.True(t, series.InsufficientData)
	assert.Len(t, series.Points, env.cfg.Forecasting.DefaultHorizon)
}

func TestAnalyticsEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedHourly(t, "north", 48)

	rec := env.do(t, http.MethodGet, "/api/v1/analytics/utilization?window_hours=24", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report struct {
		WindowHours    int     `json:"window_hours"`
		AvgUtilization float64 `json:"avg_utilization_pct"`
		Events         int     `json:"events"`
	}
	decode(t, rec, &report)
	assert.Equal(t, 24, report.WindowHours)
	assert.Equal(t, 24, report.Events)
	assert.InDelta(t, 50.0, report.AvgUtilization, 1e-9)

	rec = env.do(t, http.MethodGet, "/api/v1/analytics/utilization?window_hours=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/analytics/trend?station=north&hours=12", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trend struct {
		Points []json.RawMessage `json:"points"`
	}
	decode(t, rec, &trend)
	assert.Len(t, trend.Points, 12)

	rec = env.do(t, http.MethodGet, "/api/v1/analytics/heatmap", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Mon"`)

	rec = env.do(t, http.MethodGet, "/api/v1/analytics/alerts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alerts":[`)
}

func sceneLog(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := video.WriteDetectionLog(context.Background(), &buf, video.NewSyntheticScene(10, 4, []video.SyntheticVehicle{
		{Class: "car", EnterAt: 0, Speed: 200, Lane: 120, Length: 80, Height: 40, Confidence: 0.9},
		{Class: "truck", EnterAt: 0.5, Speed: -200, Lane: 320, Length: 110, Height: 60, Confidence: 0.85},
	}))
	require.NoError(t, err)
	return buf.Bytes()
}

func TestVideoJobLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/video/jobs?source=gate.mp4", sceneLog(t), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var submitted struct {
		Job jobs.Job `json:"job"`
	}
	decode(t, rec, &submitted)
	require.NotEmpty(t, submitted.Job.ID)
	env.runner.Wait()

	rec = env.do(t, http.MethodGet, "/api/v1/video/jobs/"+submitted.Job.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job jobs.Job
	decode(t, rec, &job)
	assert.Equal(t, jobs.StatusCompleted, job.Status, job.Error)
	require.NotNil(t, job.Summary)
	assert.Equal(t, 2, job.Summary.UniqueVehicles)

	rec = env.do(t, http.MethodGet, "/api/v1/video/detections?source=gate.mp4", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detections struct {
		Total     int                     `json:"total_detections"`
		Summaries map[string]VideoSummary `json:"video_summaries"`
	}
	decode(t, rec, &detections)
	assert.Equal(t, 2, detections.Total)
	assert.Equal(t, VideoSummary{Total: 2, ByClass: map[string]int{"car": 1, "truck": 1}}, detections.Summaries["gate.mp4"])

	assert.Len(t, env.engine.Range("video", time.Time{}, time.Now().Add(time.Hour)), 1)

	rec = env.do(t, http.MethodGet, "/api/v1/video/jobs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = env.do(t, http.MethodPost, "/api/v1/video/reset", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deleted":2`)

	rec = env.do(t, http.MethodGet, "/api/v1/video/jobs/"+submitted.Job.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVideoJobMultipartUpload(t *testing.T) {
	env := newTestEnv(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "lot.jsonl")
	require.NoError(t, err)
	_, err = part.Write(sceneLog(t))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := env.do(t, http.MethodPost, "/api/v1/video/jobs", body.Bytes(), http.Header{"Content-Type": {mw.FormDataContentType()}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	env.runner.Wait()

	all, err := env.runner.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "lot.jsonl", all[0].Source)
	assert.Equal(t, jobs.StatusCompleted, all[0].Status)

	rec = env.do(t, http.MethodPost, "/api/v1/video/jobs", []byte("x"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing source name")
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.Secret = "test-secret"
	})

	rec := env.do(t, http.MethodGet, "/api/v1/stations", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/stations", nil, http.Header{"Authorization": {"Bearer not-a-token"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := NewToken(env.cfg.Auth, "dashboard", time.Hour)
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, "/api/v1/stations", nil, http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, rec.Code)

	other := env.cfg.Auth
	other.Secret = "another-secret"
	forged, err := NewToken(other, "dashboard", time.Hour)
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, "/api/v1/stations", nil, http.Header{"Authorization": {"Bearer " + forged}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := NewToken(env.cfg.Auth, "dashboard", -time.Minute)
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, "/api/v1/stations", nil, http.Header{"Authorization": {"Bearer " + expired}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")
}

func TestParseTokenChecksIssuer(t *testing.T) {
	cfg := config.AuthConfig{Enabled: true, Secret: "s", Issuer: "evdemand"}
	token, err := NewToken(config.AuthConfig{Secret: "s", Issuer: "someone-else"}, "x", time.Hour)
	require.NoError(t, err)

	_, err = ParseToken(cfg, token)
	assert.Error(t, err)

	_, err = NewToken(config.AuthConfig{}, "x", time.Hour)
	assert.Error(t, err)
}

func TestRateLimitOnWrites(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RequestsPerSecond = 0.001
		cfg.RateLimit.Burst = 1
	})

	rec := env.do(t, http.MethodPost, "/api/v1/forecast/refresh", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/forecast/refresh", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/forecast/status", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/health", nil, nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "evdemand_http_requests_total"))
}
