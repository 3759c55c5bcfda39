// Package tracking assigns persistent identities to per-frame detections by
// nearest-centroid matching and derives queue and dwell statistics.
package tracking

import (
	"math"
	"sort"

	"ev-demand-analytics-engine/config"
)

// Point is a position in frame coordinates
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance between p and q
func (p Point) Distance(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Detection is one object observed in the current frame
type Detection struct {
	Centroid   Point   `json:"centroid"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// Result reports the identity assigned to one detection
type Result struct {
	ObjectID int    `json:"object_id"`
	Class    string `json:"class"`
	New      bool   `json:"is_new"`
}

// TrackState is the lifecycle state of a live track
type TrackState string

const (
	StateActive       TrackState = "active"
	StateDisappearing TrackState = "disappearing"
)

// Track is a live tracked object
type Track struct {
	ID          int        `json:"object_id"`
	Centroid    Point      `json:"centroid"`
	Class       string     `json:"class"`
	Disappeared int        `json:"disappeared_frames"`
	EntryTime   float64    `json:"entry_time"`
	State       TrackState `json:"state"`
}

// DwellRecord is a finalized track
type DwellRecord struct {
	ObjectID  int     `json:"object_id"`
	Class     string  `json:"class"`
	EntryTime float64 `json:"entry_time"`
	ExitTime  float64 `json:"exit_time"`
	Dwell     float64 `json:"dwell_time"`
}

// QueueSnapshot is the number of live tracks after one update
type QueueSnapshot struct {
	Time  float64 `json:"time"`
	Count int     `json:"count"`
}

// Stats summarises everything the tracker has seen
type Stats struct {
	UniqueObjects int                `json:"unique_objects"`
	ClassCounts   map[string]int     `json:"class_counts"`
	CurrentQueue  int                `json:"current_queue"`
	MaxQueue      int                `json:"max_queue"`
	AvgQueue      float64            `json:"avg_queue"`
	AvgDwell      float64            `json:"avg_dwell_time"`
	DwellByClass  map[string]float64 `json:"dwell_time_by_class"`
}

// CentroidTracker matches detections to live tracks greedily by ascending
// centroid distance. Instances are not safe for concurrent use.
type CentroidTracker struct {
	maxDisappeared int
	maxDistance    float64

	nextID  int
	now     float64
	tracks  map[int]*Track
	counted map[int]string
	dwell   []DwellRecord
	queue   []QueueSnapshot
}

// NewCentroidTracker creates a tracker. A track is deregistered once it has
// been missing for more than maxDisappeared consecutive updates; detections
// further than maxDistance from every track start new tracks.
func NewCentroidTracker(maxDisappeared int, maxDistance float64) *CentroidTracker {
	return &CentroidTracker{
		maxDisappeared: maxDisappeared,
		maxDistance:    maxDistance,
		tracks:         make(map[int]*Track),
		counted:        make(map[int]string),
	}
}

// NewFromConfig creates a tracker from configuration
func NewFromConfig(cfg config.TrackingConfig) *CentroidTracker {
	return NewCentroidTracker(cfg.MaxDisappeared, cfg.MaxDistance)
}

// SetCurrentTime sets the timestamp, in seconds, applied by the next Update
func (ct *CentroidTracker) SetCurrentTime(t float64) {
	ct.now = t
}

// CurrentTime returns the timestamp set by SetCurrentTime
func (ct *CentroidTracker) CurrentTime() float64 {
	return ct.now
}

// Update consumes the detections of one frame and returns one result per
// detection, in input order. A queue snapshot is recorded on every call.
func (ct *CentroidTracker) Update(detections []Detection) []Result {
	defer ct.snapshot()

	if len(detections) == 0 {
		for _, id := range ct.liveIDs() {
			ct.miss(id)
		}
		return []Result{}
	}

	results := make([]Result, len(detections))
	if len(ct.tracks) == 0 {
		for i, d := range detections {
			results[i] = ct.register(d)
		}
		return results
	}

	ids := ct.liveIDs()
	type pair struct {
		track, det int
		dist       float64
	}
	pairs := make([]pair, 0, len(ids)*len(detections))
	for ti, id := range ids {
		c := ct.tracks[id].Centroid
		for di, d := range detections {
			pairs = append(pairs, pair{track: ti, det: di, dist: c.Distance(d.Centroid)})
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool { return pairs[a].dist < pairs[b].dist })

	usedTrack := make([]bool, len(ids))
	usedDet := make([]bool, len(detections))
	for _, p := range pairs {
		if usedTrack[p.track] || usedDet[p.det] || p.dist > ct.maxDistance {
			continue
		}
		usedTrack[p.track] = true
		usedDet[p.det] = true

		t := ct.tracks[ids[p.track]]
		d := detections[p.det]
		t.Centroid = d.Centroid
		t.Class = d.Class
		t.Disappeared = 0
		results[p.det] = Result{ObjectID: t.ID, Class: t.Class}
	}

	for ti, id := range ids {
		if !usedTrack[ti] {
			ct.miss(id)
		}
	}
	for di, d := range detections {
		if !usedDet[di] {
			results[di] = ct.register(d)
		}
	}
	return results
}

func (ct *CentroidTracker) register(d Detection) Result {
	id := ct.nextID
	ct.nextID++
	ct.tracks[id] = &Track{ID: id, Centroid: d.Centroid, Class: d.Class, EntryTime: ct.now}
	ct.counted[id] = d.Class
	return Result{ObjectID: id, Class: d.Class, New: true}
}

func (ct *CentroidTracker) miss(id int) {
	t := ct.tracks[id]
	t.Disappeared++
	if t.Disappeared > ct.maxDisappeared {
		ct.deregister(id)
	}
}

func (ct *CentroidTracker) deregister(id int) {
	t := ct.tracks[id]
	ct.dwell = append(ct.dwell, DwellRecord{
		ObjectID:  id,
		Class:     t.Class,
		EntryTime: t.EntryTime,
		ExitTime:  ct.now,
		Dwell:     ct.now - t.EntryTime,
	})
	delete(ct.tracks, id)
}

func (ct *CentroidTracker) snapshot() {
	ct.queue = append(ct.queue, QueueSnapshot{Time: ct.now, Count: len(ct.tracks)})
}

// liveIDs returns live track ids in ascending order
func (ct *CentroidTracker) liveIDs() []int {
	ids := make([]int, 0, len(ct.tracks))
	for id := range ct.tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// CloseAll finalizes every live track at the current time
func (ct *CentroidTracker) CloseAll() {
	for _, id := range ct.liveIDs() {
		ct.deregister(id)
	}
}

// Tracks returns a copy of the live tracks ordered by id
func (ct *CentroidTracker) Tracks() []Track {
	out := make([]Track, 0, len(ct.tracks))
	for _, id := range ct.liveIDs() {
		t := *ct.tracks[id]
		t.State = stateOf(&t)
		out = append(out, t)
	}
	return out
}

// State returns the lifecycle state of a live track
func (ct *CentroidTracker) State(id int) (TrackState, bool) {
	t, ok := ct.tracks[id]
	if !ok {
		return "", false
	}
	return stateOf(t), true
}

func stateOf(t *Track) TrackState {
	if t.Disappeared > 0 {
		return StateDisappearing
	}
	return StateActive
}

// Deregistered returns the finalized tracks in deregistration order
func (ct *CentroidTracker) Deregistered() []DwellRecord {
	return append([]DwellRecord(nil), ct.dwell...)
}

// QueueHistory returns the queue snapshot log
func (ct *CentroidTracker) QueueHistory() []QueueSnapshot {
	return append([]QueueSnapshot(nil), ct.queue...)
}

// UniqueCount returns the number of identities ever issued
func (ct *CentroidTracker) UniqueCount() int {
	return len(ct.counted)
}

// Stats computes queue and dwell statistics. Until some track has been
// finalized, dwell times are estimated from the elapsed time of live tracks.
func (ct *CentroidTracker) Stats() Stats {
	s := Stats{
		UniqueObjects: len(ct.counted),
		ClassCounts:   make(map[string]int),
		CurrentQueue:  len(ct.tracks),
		DwellByClass:  make(map[string]float64),
	}
	for _, class := range ct.counted {
		s.ClassCounts[class]++
	}

	if len(ct.queue) > 0 {
		sum := 0
		for _, q := range ct.queue {
			sum += q.Count
			if q.Count > s.MaxQueue {
				s.MaxQueue = q.Count
			}
		}
		s.AvgQueue = float64(sum) / float64(len(ct.queue))
	}

	type acc struct {
		sum float64
		n   int
	}
	var total acc
	byClass := make(map[string]*acc)
	add := func(class string, d float64) {
		total.sum += d
		total.n++
		a, ok := byClass[class]
		if !ok {
			a = &acc{}
			byClass[class] = a
		}
		a.sum += d
		a.n++
	}

	if len(ct.dwell) > 0 {
		for _, r := range ct.dwell {
			add(r.Class, r.Dwell)
		}
	} else {
		for _, id := range ct.liveIDs() {
			t := ct.tracks[id]
			add(t.Class, ct.now-t.EntryTime)
		}
	}

	if total.n > 0 {
		s.AvgDwell = total.sum / float64(total.n)
	}
	for class, a := range byClass {
		s.DwellByClass[class] = a.sum / float64(a.n)
	}
	return s
}
