package jobs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ev-demand-analytics-engine/config"
	"ev-demand-analytics-engine/storage"
	"ev-demand-analytics-engine/video"
)

type recordingAppender struct {
	mu     sync.Mutex
	events []storage.Event
	err    error
}

func (a *recordingAppender) AddEvent(_ context.Context, e storage.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, e)
	return nil
}

func writeSceneLog(t *testing.T, vehicles []video.SyntheticVehicle) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = video.WriteDetectionLog(context.Background(), f, video.NewSyntheticScene(10, 6, vehicles))
	require.NoError(t, err)
	return path
}

func twoVehicles() []video.SyntheticVehicle {
	return []video.SyntheticVehicle{
		{Class: "car", EnterAt: 0, Speed: 150, Lane: 120, Length: 80, Height: 40, Confidence: 0.9},
		{Class: "bus", EnterAt: 1, Speed: -120, Lane: 300, Length: 120, Height: 60, Confidence: 0.8},
	}
}

func newTestRunner(store StatusStore, sink video.DetectionSink, events EventAppender, opts ...RunnerOption) *Runner {
	cfg := RunnerConfigFrom(config.DefaultConfig())
	cfg.StationID = "depot"
	cfg.StationCapacity = 1
	cfg.ProgressEvery = 5
	return NewRunner(video.ReplayDetector{}, sink, events, store, cfg, nil, opts...)
}

func TestRunnerCompletesJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStatusStore()
	sink := storage.NewMemoryDetectionStore()
	events := &recordingAppender{}
	runner := newTestRunner(store, sink, events)

	path := writeSceneLog(t, twoVehicles())
	job, err := runner.Submit(ctx, "depot-cam.mp4", path)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.NotEmpty(t, job.ID)

	runner.Wait()

	got, err := runner.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.Done())
	assert.Empty(t, got.Error)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 2, got.Summary.UniqueVehicles)
	assert.Equal(t, map[string]int{"car": 1, "bus": 1}, got.Summary.PerClassCounts)
	require.NotNil(t, got.Progress)
	assert.Equal(t, 60, got.Progress.FramesRead)

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "upload should be removed")

	_, total, err := sink.ListDetections(ctx, "depot-cam.mp4", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	require.Len(t, events.events, 1)
	e := events.events[0]
	assert.Equal(t, "depot", e.StationID)
	assert.Equal(t, 2, e.VehicleCount)
	assert.Equal(t, 1, e.QueueLength)
	assert.Equal(t, 1.0, e.OccupancyRate)
	assert.Equal(t, e.Timestamp, e.Timestamp.Truncate(time.Hour))
}

func TestRunnerFailsOnMalformedLog(t *testing.T) {
	ctx := context.Background()
	runner := newTestRunner(NewMemoryStatusStore(), nil, nil)

	path := filepath.Join(t.TempDir(), "broken.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("this is not a detection log\n"), 0o644))

	job, err := runner.Submit(ctx, "broken.mp4", path)
	require.NoError(t, err)
	runner.Wait()

	got, err := runner.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "failed to open source")

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "upload should be removed on failure")
}

func TestRunnerFailsOnInvalidDetection(t *testing.T) {
	ctx := context.Background()
	frames := []video.Frame{
		{Detections: []video.BoxDetection{{Box: video.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}, Class: "car", Confidence: 0.9}}},
		{Detections: []video.BoxDetection{{Box: video.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}, Class: "car", Confidence: 1.5}}},
	}
	opener := func(string) (video.FrameSource, error) {
		return &staticSource{frames: frames}, nil
	}
	events := &recordingAppender{}
	runner := newTestRunner(NewMemoryStatusStore(), nil, events, WithSourceOpener(opener))

	job, err := runner.Submit(ctx, "cam", "")
	require.NoError(t, err)
	runner.Wait()

	got, err := runner.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "confidence")
	require.NotNil(t, got.Summary)
	assert.Equal(t, 1, got.Summary.UniqueVehicles)
	assert.Empty(t, events.events)
}

func TestRunnerFailsWhenEventAppendFails(t *testing.T) {
	ctx := context.Background()
	events := &recordingAppender{err: storage.ErrStationLimit}
	runner := newTestRunner(NewMemoryStatusStore(), nil, events)

	job, err := runner.Submit(ctx, "cam", writeSceneLog(t, twoVehicles()))
	require.NoError(t, err)
	runner.Wait()

	got, err := runner.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "failed to append demand event")
}

func TestRunnerSkipsEventAppendWhenDisabled(t *testing.T) {
	ctx := context.Background()
	events := &recordingAppender{}
	runner := newTestRunner(NewMemoryStatusStore(), nil, events)
	runner.cfg.AppendToEvents = false

	_, err := runner.Submit(ctx, "cam", writeSceneLog(t, twoVehicles()))
	require.NoError(t, err)
	runner.Wait()
	assert.Empty(t, events.events)
}

func TestRunnerConcurrentJobs(t *testing.T) {
	ctx := context.Background()
	runner := newTestRunner(NewMemoryStatusStore(), storage.NewMemoryDetectionStore(), nil)

	ids := make([]string, 4)
	for i := range ids {
		job, err := runner.Submit(ctx, "cam", writeSceneLog(t, twoVehicles()))
		require.NoError(t, err)
		ids[i] = job.ID
	}
	runner.Wait()

	jobs, err := runner.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	for _, job := range jobs {
		assert.Equal(t, StatusCompleted, job.Status)
		assert.Equal(t, 2, job.Summary.UniqueVehicles)
	}

	require.NoError(t, runner.Reset(ctx))
	_, err = runner.Get(ctx, ids[0])
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

type staticSource struct {
	frames []video.Frame
	pos    int
}

func (s *staticSource) FPS() float64 { return 5 }

func (s *staticSource) Next(context.Context) (video.Frame, error) {
	if s.pos >= len(s.frames) {
		return video.Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	f.Index = s.pos
	s.pos++
	return f, nil
}

func (s *staticSource) Close() error { return nil }
