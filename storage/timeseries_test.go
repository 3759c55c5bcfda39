package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC) // a Monday

func event(station string, hour int, vehicles int) Event {
	return Event{
		Timestamp:     baseTime.Add(time.Duration(hour) * time.Hour),
		StationID:     station,
		VehicleCount:  vehicles,
		SessionCount:  vehicles / 2,
		OccupancyRate: 0.5,
	}
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{"valid", func(e *Event) {}, false},
		{"missing station", func(e *Event) { e.StationID = "" }, true},
		{"zero timestamp", func(e *Event) { e.Timestamp = time.Time{} }, true},
		{"negative vehicles", func(e *Event) { e.VehicleCount = -1 }, true},
		{"occupancy above one", func(e *Event) { e.OccupancyRate = 1.2 }, true},
		{"queue without saturation", func(e *Event) { e.QueueLength = 2 }, true},
		{"queue with saturation", func(e *Event) { e.QueueLength = 2; e.OccupancyRate = 1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := event("s1", 0, 4)
			tt.mutate(&e)
			if tt.wantErr {
				assert.Error(t, e.Validate())
			} else {
				assert.NoError(t, e.Validate())
			}
		})
	}
}

func TestStationSeriesOrderingAndDuplicates(t *testing.T) {
	s := NewStationSeries("s1")

	assert.True(t, s.AddEvent(event("s1", 2, 30)))
	assert.True(t, s.AddEvent(event("s1", 0, 10)))
	assert.True(t, s.AddEvent(event("s1", 1, 20)))
	assert.False(t, s.AddEvent(event("s1", 1, 25)), "same timestamp replaces")

	require.Equal(t, 3, s.Size())
	latest := s.GetLatest(3)
	assert.Equal(t, []int{10, 25, 30}, []int{latest[0].VehicleCount, latest[1].VehicleCount, latest[2].VehicleCount})

	got := s.GetRange(baseTime.Add(time.Hour), baseTime.Add(2*time.Hour))
	assert.Len(t, got, 2)
	assert.Nil(t, s.GetRange(baseTime.Add(5*time.Hour), baseTime.Add(6*time.Hour)))
	assert.Nil(t, s.GetLatest(0))
}

func TestEventStoreVersionAndOrdering(t *testing.T) {
	store := NewEventStore(10, 100)
	assert.Equal(t, uint64(0), store.Version())

	require.NoError(t, store.AddEvent(event("b", 1, 3)))
	require.NoError(t, store.AddEvents([]Event{event("a", 1, 2), event("a", 0, 1)}))
	assert.Equal(t, uint64(2), store.Version())

	all := store.All()
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].StationID)
	assert.Equal(t, baseTime, all[0].Timestamp)
	assert.Equal(t, "a", all[1].StationID, "ties ordered by station id")
	assert.Equal(t, "b", all[2].StationID)

	assert.Len(t, store.Range("a", time.Time{}, baseTime.Add(10*time.Hour)), 2)
	assert.Equal(t, int64(3), store.TotalEvents())

	stations := store.Stations()
	require.Len(t, stations, 2)
	assert.Equal(t, "a", stations[0].ID)
	assert.Equal(t, 2, stations[0].Size)
}

func TestEventStoreRejectsInvalidBatch(t *testing.T) {
	store := NewEventStore(10, 100)
	bad := event("a", 1, 2)
	bad.OccupancyRate = -0.1

	err := store.AddEvents([]Event{event("a", 0, 1), bad})
	assert.Error(t, err)
	assert.Equal(t, int64(0), store.TotalEvents())
	assert.Equal(t, uint64(0), store.Version())
}

func TestEventStoreLimits(t *testing.T) {
	store := NewEventStore(1, 2)

	require.NoError(t, store.AddEvent(event("a", 0, 1)))
	require.NoError(t, store.AddEvent(event("a", 1, 2)))
	require.NoError(t, store.AddEvent(event("a", 2, 3)))

	series, ok := store.GetSeries("a")
	require.True(t, ok)
	assert.Equal(t, 2, series.Size(), "oldest event evicted")
	assert.Equal(t, 2, series.GetLatest(2)[0].VehicleCount)

	err := store.AddEvent(event("b", 0, 1))
	assert.True(t, errors.Is(err, ErrStationLimit))
}

func TestEventStoreCleanupExpired(t *testing.T) {
	store := NewEventStore(10, 100)
	require.NoError(t, store.AddEvents([]Event{
		event("a", 0, 1), event("a", 5, 2), event("b", 1, 3),
	}))
	before := store.Version()

	removed := store.CleanupExpired(baseTime.Add(2 * time.Hour))
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, store.StationCount(), "empty station dropped")
	assert.Equal(t, int64(1), store.TotalEvents())
	assert.Greater(t, store.Version(), before)

	assert.Equal(t, 0, store.CleanupExpired(baseTime))
}
