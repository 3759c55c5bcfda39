package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ev-demand-analytics-engine/video"
)

func TestMemoryStatusStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStatusStore()
	base := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	_, err := store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrJobNotFound))

	require.NoError(t, store.Put(ctx, Job{ID: "b", Source: "two.mp4", Status: StatusPending, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, store.Put(ctx, Job{ID: "a", Source: "one.mp4", Status: StatusPending, CreatedAt: base}))
	require.NoError(t, store.Put(ctx, Job{ID: "b", Source: "two.mp4", Status: StatusProcessing, CreatedAt: base.Add(time.Minute)}))

	job, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, job.Status)
	assert.False(t, job.Done())

	jobs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, "b", jobs[1].ID)

	require.NoError(t, store.Reset(ctx))
	jobs, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRedisStatusStoreKey(t *testing.T) {
	assert.Equal(t, "evdemand:video_jobs", NewRedisStatusStore(nil, "evdemand").key)
	assert.Equal(t, "video_jobs", NewRedisStatusStore(nil, "").key)
}

func TestRedisStatusStore(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	store := NewRedisStatusStore(client, "evdemand")
	base := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	_, err := store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrJobNotFound))

	require.NoError(t, store.Put(ctx, Job{ID: "b", Source: "two.mp4", Status: StatusPending, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, store.Put(ctx, Job{ID: "a", Source: "one.mp4", Status: StatusPending, CreatedAt: base}))
	require.NoError(t, store.Put(ctx, Job{
		ID:        "b",
		Source:    "two.mp4",
		Status:    StatusCompleted,
		Progress:  &video.Progress{FramesRead: 90, FramesProcessed: 30, UniqueVehicles: 4},
		Summary:   &video.Summary{SourceID: "two.mp4", FPS: 30, UniqueVehicles: 4, PerClassCounts: map[string]int{"car": 3, "truck": 1}},
		CreatedAt: base.Add(time.Minute),
		UpdatedAt: base.Add(2 * time.Minute),
	}))

	assert.True(t, srv.Exists("evdemand:video_jobs"))
	assert.NotEmpty(t, srv.HGet("evdemand:video_jobs", "a"))

	job, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, job.Done())
	require.NotNil(t, job.Progress)
	assert.Equal(t, 30, job.Progress.FramesProcessed)
	require.NotNil(t, job.Summary)
	assert.Equal(t, map[string]int{"car": 3, "truck": 1}, job.Summary.PerClassCounts)
	assert.True(t, job.UpdatedAt.Equal(base.Add(2*time.Minute)))

	jobs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, "b", jobs[1].ID)

	require.NoError(t, store.Reset(ctx))
	assert.False(t, srv.Exists("evdemand:video_jobs"))
	jobs, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRedisStatusStoreRejectsCorruptRecord(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	store := NewRedisStatusStore(client, "")

	srv.HSet("video_jobs", "x", "{not json")

	_, err := store.Get(ctx, "x")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrJobNotFound))
	_, err = store.List(ctx)
	assert.Error(t, err)
}

func TestRedisStatusStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), MaxRetries: -1})
	defer client.Close()
	store := NewRedisStatusStore(client, "")
	srv.Close()

	err := store.Put(ctx, Job{ID: "a"})
	assert.Error(t, err)
	_, err = store.Get(ctx, "a")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrJobNotFound))
}
