package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ev-demand-analytics-engine/config"
)

func car(x, y float64) Detection {
	return Detection{Centroid: Point{X: x, Y: y}, Class: "car", Confidence: 0.9}
}

func TestTrackerMatchesNearbyDetection(t *testing.T) {
	ct := NewCentroidTracker(30, 150)

	ct.SetCurrentTime(0)
	res := ct.Update([]Detection{car(100, 100)})
	require.Len(t, res, 1)
	assert.Equal(t, Result{ObjectID: 0, Class: "car", New: true}, res[0])

	ct.SetCurrentTime(1)
	res = ct.Update([]Detection{car(105, 102)})
	require.Len(t, res, 1)
	assert.Equal(t, Result{ObjectID: 0, Class: "car", New: false}, res[0])

	assert.Equal(t, 1, ct.UniqueCount())
	tracks := ct.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, Point{X: 105, Y: 102}, tracks[0].Centroid)
	assert.Equal(t, 0.0, tracks[0].EntryTime)
}

func TestTrackerDeregistersAfterMaxDisappeared(t *testing.T) {
	ct := NewCentroidTracker(2, 150)

	for frame := 0; frame <= 1; frame++ {
		ct.SetCurrentTime(float64(frame))
		ct.Update([]Detection{car(50, 50)})
	}

	ct.SetCurrentTime(2)
	ct.Update(nil)
	assert.Equal(t, 1, ct.Tracks()[0].Disappeared)
	state, ok := ct.State(0)
	require.True(t, ok)
	assert.Equal(t, StateDisappearing, state)

	ct.SetCurrentTime(3)
	ct.Update(nil)
	assert.Equal(t, 2, ct.Tracks()[0].Disappeared)
	assert.Empty(t, ct.Deregistered())

	ct.SetCurrentTime(4)
	ct.Update(nil)
	assert.Empty(t, ct.Tracks())
	_, ok = ct.State(0)
	assert.False(t, ok)

	records := ct.Deregistered()
	require.Len(t, records, 1)
	assert.Equal(t, DwellRecord{ObjectID: 0, Class: "car", EntryTime: 0, ExitTime: 4, Dwell: 4}, records[0])
}

func TestTrackerRedetectionWhileDisappearing(t *testing.T) {
	ct := NewCentroidTracker(3, 150)
	ct.Update([]Detection{car(10, 10)})
	ct.Update(nil)
	ct.Update(nil)

	res := ct.Update([]Detection{car(12, 10)})
	assert.False(t, res[0].New)
	assert.Equal(t, 0, res[0].ObjectID)

	state, _ := ct.State(0)
	assert.Equal(t, StateActive, state)
}

func TestTrackerIDsAreMonotonic(t *testing.T) {
	ct := NewCentroidTracker(0, 150)

	ct.Update([]Detection{car(10, 10)})
	ct.Update(nil) // deregisters id 0
	res := ct.Update([]Detection{car(10, 10)})

	require.Len(t, res, 1)
	assert.Equal(t, 1, res[0].ObjectID, "returning object gets a new identity")
	assert.True(t, res[0].New)
	assert.Equal(t, 2, ct.UniqueCount())
}

func TestTrackerGreedyMatching(t *testing.T) {
	ct := NewCentroidTracker(5, 12)
	ct.Update([]Detection{car(0, 0), car(10, 0)})

	// the closest pair (track 1, x=9) is committed first, which leaves x=21
	// out of range of track 0; an optimal assignment would match both
	res := ct.Update([]Detection{car(9, 0), car(21, 0)})
	assert.Equal(t, Result{ObjectID: 1, Class: "car"}, res[0])
	assert.Equal(t, Result{ObjectID: 2, Class: "car", New: true}, res[1])

	tracks := ct.Tracks()
	require.Len(t, tracks, 3)
	assert.Equal(t, 1, tracks[0].Disappeared)
}

func TestTrackerTieBreaksByTrackOrder(t *testing.T) {
	ct := NewCentroidTracker(5, 100)
	ct.Update([]Detection{car(0, 0), car(10, 0)})

	res := ct.Update([]Detection{car(5, 0)})
	assert.Equal(t, 0, res[0].ObjectID)

	tracks := ct.Tracks()
	assert.Equal(t, 0, tracks[0].Disappeared)
	assert.Equal(t, 1, tracks[1].Disappeared)
}

func TestTrackerMaxDistanceBoundary(t *testing.T) {
	ct := NewCentroidTracker(5, 50)
	ct.Update([]Detection{car(0, 0)})

	res := ct.Update([]Detection{car(30, 40)}) // exactly 50 away
	assert.False(t, res[0].New)

	res = ct.Update([]Detection{car(30, 91)})
	assert.True(t, res[0].New)
	assert.Equal(t, 1, res[0].ObjectID)
}

func TestTrackerUnmatchedDetectionsRegistered(t *testing.T) {
	ct := NewCentroidTracker(5, 50)
	ct.Update([]Detection{car(0, 0)})

	truck := Detection{Centroid: Point{X: 400, Y: 400}, Class: "truck", Confidence: 0.8}
	res := ct.Update([]Detection{truck, car(2, 2)})
	assert.Equal(t, Result{ObjectID: 1, Class: "truck", New: true}, res[0])
	assert.Equal(t, Result{ObjectID: 0, Class: "car", New: false}, res[1])
}

func TestTrackerQueueSnapshots(t *testing.T) {
	ct := NewCentroidTracker(1, 50)

	ct.SetCurrentTime(0)
	ct.Update([]Detection{car(0, 0), car(200, 200)})
	ct.SetCurrentTime(1)
	ct.Update([]Detection{car(0, 0)})
	ct.SetCurrentTime(2)
	ct.Update(nil)
	ct.SetCurrentTime(3)
	ct.Update(nil)

	history := ct.QueueHistory()
	require.Len(t, history, 4)
	assert.Equal(t, []int{2, 2, 1, 0}, []int{history[0].Count, history[1].Count, history[2].Count, history[3].Count})
	assert.Equal(t, 2.0, history[2].Time)

	s := ct.Stats()
	assert.Equal(t, 2, s.UniqueObjects)
	assert.Equal(t, 2, s.MaxQueue)
	assert.Equal(t, 0, s.CurrentQueue)
	assert.Equal(t, 1.25, s.AvgQueue)
	assert.Equal(t, map[string]int{"car": 2}, s.ClassCounts)

	// id 1 exits at t=2 (entered 0), id 0 exits at t=3 (entered 0)
	assert.Equal(t, 2.5, s.AvgDwell)
	assert.Equal(t, 2.5, s.DwellByClass["car"])
}

func TestTrackerDwellFallbackUsesLiveTracks(t *testing.T) {
	ct := NewCentroidTracker(10, 50)
	ct.SetCurrentTime(2)
	ct.Update([]Detection{car(0, 0)})
	ct.SetCurrentTime(4)
	ct.Update([]Detection{car(0, 0), {Centroid: Point{X: 300, Y: 300}, Class: "bus"}})
	ct.SetCurrentTime(10)

	s := ct.Stats()
	// car: 10-2, bus: 10-4
	assert.Equal(t, 7.0, s.AvgDwell)
	assert.Equal(t, 8.0, s.DwellByClass["car"])
	assert.Equal(t, 6.0, s.DwellByClass["bus"])
}

func TestTrackerCloseAll(t *testing.T) {
	ct := NewFromConfig(config.TrackingConfig{MaxDisappeared: 30, MaxDistance: 150})
	ct.SetCurrentTime(1)
	ct.Update([]Detection{car(0, 0), car(500, 500)})
	ct.SetCurrentTime(6)
	ct.CloseAll()

	assert.Empty(t, ct.Tracks())
	records := ct.Deregistered()
	require.Len(t, records, 2)
	assert.Equal(t, 0, records[0].ObjectID)
	assert.Equal(t, 5.0, records[1].Dwell)
}

func TestTrackerEmptyUpdates(t *testing.T) {
	ct := NewCentroidTracker(2, 50)
	res := ct.Update(nil)
	assert.NotNil(t, res)
	assert.Empty(t, res)

	s := ct.Stats()
	assert.Zero(t, s.AvgDwell)
	assert.Zero(t, s.AvgQueue)
	assert.Len(t, ct.QueueHistory(), 1)
}
