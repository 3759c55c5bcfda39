package storage

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStationLimit is returned when a new station would exceed the store capacity
var ErrStationLimit = errors.New("station limit exceeded")

// Event is one hourly occupancy observation for a charging station
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	StationID     string    `json:"station_id"`
	VehicleCount  int       `json:"vehicle_count"`
	SessionCount  int       `json:"session_count"`
	OccupancyRate float64   `json:"occupancy_rate"`
	QueueLength   int       `json:"queue_length"`
}

// Validate checks the record ranges and the saturation invariant
func (e Event) Validate() error {
	if e.StationID == "" {
		return fmt.Errorf("station_id is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if e.VehicleCount < 0 || e.SessionCount < 0 || e.QueueLength < 0 {
		return fmt.Errorf("counts cannot be negative")
	}
	if math.IsNaN(e.OccupancyRate) || e.OccupancyRate < 0 || e.OccupancyRate > 1 {
		return fmt.Errorf("occupancy_rate %v outside [0, 1]", e.OccupancyRate)
	}
	if e.QueueLength > 0 && e.OccupancyRate != 1 {
		return fmt.Errorf("occupancy_rate must be 1 when queue_length is %d", e.QueueLength)
	}
	return nil
}

// StationSeries holds the time-ordered events of one station
type StationSeries struct {
	ID       string
	Events   []Event
	LastSeen time.Time
	mu       sync.RWMutex
}

// NewStationSeries creates a new empty station series
func NewStationSeries(id string) *StationSeries {
	return &StationSeries{
		ID:       id,
		Events:   make([]Event, 0),
		LastSeen: time.Now(),
	}
}

// AddEvent inserts an event in timestamp order (thread-safe). An event with an
// existing timestamp replaces the stored one. Returns true if the series grew.
func (s *StationSeries) AddEvent(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.LastSeen = time.Now()

	pos := sort.Search(len(s.Events), func(i int) bool {
		return s.Events[i].Timestamp.After(e.Timestamp)
	})

	if pos > 0 && s.Events[pos-1].Timestamp.Equal(e.Timestamp) {
		s.Events[pos-1] = e
		return false
	}

	s.Events = append(s.Events, Event{})
	copy(s.Events[pos+1:], s.Events[pos:])
	s.Events[pos] = e
	return true
}

// GetRange returns events with start <= timestamp <= end
func (s *StationSeries) GetRange(start, end time.Time) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	startIdx := sort.Search(len(s.Events), func(i int) bool {
		return !s.Events[i].Timestamp.Before(start)
	})
	endIdx := sort.Search(len(s.Events), func(i int) bool {
		return s.Events[i].Timestamp.After(end)
	})

	if startIdx >= endIdx {
		return nil
	}

	result := make([]Event, endIdx-startIdx)
	copy(result, s.Events[startIdx:endIdx])
	return result
}

// GetLatest returns the most recent N events
func (s *StationSeries) GetLatest(count int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if count <= 0 || len(s.Events) == 0 {
		return nil
	}

	start := len(s.Events) - count
	if start < 0 {
		start = 0
	}

	result := make([]Event, len(s.Events)-start)
	copy(result, s.Events[start:])
	return result
}

// Size returns the number of events
func (s *StationSeries) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Events)
}

func (s *StationSeries) dropOldest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Events) > 0 {
		s.Events = s.Events[1:]
	}
}

// dropBefore removes events older than cutoff and returns how many were removed
func (s *StationSeries) dropBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := sort.Search(len(s.Events), func(i int) bool {
		return !s.Events[i].Timestamp.Before(cutoff)
	})
	if idx == 0 {
		return 0
	}
	s.Events = append([]Event(nil), s.Events[idx:]...)
	return idx
}

// StationInfo represents metadata about a station series
type StationInfo struct {
	ID        string    `json:"station_id"`
	Size      int       `json:"size"`
	FirstSeen time.Time `json:"first_event,omitempty"`
	LastEvent time.Time `json:"last_event,omitempty"`
}

// EventStore is the in-memory event table. Every mutation bumps Version so
// that forecast caches can key trained models by dataset snapshot.
type EventStore struct {
	series              map[string]*StationSeries
	maxStations         int
	maxEventsPerStation int
	totalEvents         int64
	version             atomic.Uint64
	mu                  sync.RWMutex
}

// NewEventStore creates a new event store
func NewEventStore(maxStations, maxEventsPerStation int) *EventStore {
	return &EventStore{
		series:              make(map[string]*StationSeries),
		maxStations:         maxStations,
		maxEventsPerStation: maxEventsPerStation,
	}
}

// AddEvent validates and stores a single event
func (es *EventStore) AddEvent(e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	if err := es.addLocked(e); err != nil {
		return err
	}
	es.version.Add(1)
	return nil
}

// AddEvents stores a batch of events with a single version bump. Events are
// validated up front so an invalid batch leaves the store untouched.
func (es *EventStore) AddEvents(events []Event) error {
	_, err := es.Insert(events)
	return err
}

// Insert is AddEvents that also reports how many events were stored. Events
// of stations beyond the station limit are skipped and reported through the
// first error; the rest of the batch is still stored.
func (es *EventStore) Insert(events []Event) (int, error) {
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return 0, fmt.Errorf("event %d: %w", i, err)
		}
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	var firstErr error
	stored := 0
	for _, e := range events {
		if err := es.addLocked(e); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stored++
	}
	if stored > 0 {
		es.version.Add(1)
	}
	return stored, firstErr
}

// CheckCapacity reports ErrStationLimit when storing events would need more
// stations than the store allows
func (es *EventStore) CheckCapacity(events []Event) error {
	es.mu.RLock()
	defer es.mu.RUnlock()

	added := make(map[string]struct{})
	for _, e := range events {
		if _, ok := es.series[e.StationID]; ok {
			continue
		}
		added[e.StationID] = struct{}{}
	}
	if len(es.series)+len(added) > es.maxStations {
		return fmt.Errorf("%w: %d", ErrStationLimit, es.maxStations)
	}
	return nil
}

func (es *EventStore) addLocked(e Event) error {
	series, exists := es.series[e.StationID]
	if !exists {
		if len(es.series) >= es.maxStations {
			return fmt.Errorf("%w: %d", ErrStationLimit, es.maxStations)
		}
		series = NewStationSeries(e.StationID)
		es.series[e.StationID] = series
	}

	if series.AddEvent(e) {
		if series.Size() > es.maxEventsPerStation {
			series.dropOldest()
		} else {
			es.totalEvents++
		}
	}
	return nil
}

// GetSeries returns a station series by ID
func (es *EventStore) GetSeries(stationID string) (*StationSeries, bool) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	series, exists := es.series[stationID]
	return series, exists
}

// All returns every stored event ordered by timestamp, then station
func (es *EventStore) All() []Event {
	return es.Range("", time.Time{}, maxTime)
}

// Range returns events of one station (or all stations when stationID is
// empty) within [start, end], ordered by timestamp then station.
func (es *EventStore) Range(stationID string, start, end time.Time) []Event {
	es.mu.RLock()
	var selected []*StationSeries
	if stationID != "" {
		if s, ok := es.series[stationID]; ok {
			selected = append(selected, s)
		}
	} else {
		for _, s := range es.series {
			selected = append(selected, s)
		}
	}
	es.mu.RUnlock()

	var result []Event
	for _, s := range selected {
		result = append(result, s.GetRange(start, end)...)
	}
	SortEvents(result)
	return result
}

// Snapshot returns every stored event in timestamp order together with the
// version they belong to
func (es *EventStore) Snapshot() ([]Event, uint64) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	var result []Event
	for _, s := range es.series {
		result = append(result, s.GetRange(time.Time{}, maxTime)...)
	}
	SortEvents(result)
	return result, es.version.Load()
}

// Stations returns station metadata sorted by station ID
func (es *EventStore) Stations() []StationInfo {
	es.mu.RLock()
	defer es.mu.RUnlock()

	infos := make([]StationInfo, 0, len(es.series))
	for id, s := range es.series {
		info := StationInfo{ID: id}
		s.mu.RLock()
		info.Size = len(s.Events)
		if info.Size > 0 {
			info.FirstSeen = s.Events[0].Timestamp
			info.LastEvent = s.Events[info.Size-1].Timestamp
		}
		s.mu.RUnlock()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Version returns the dataset version counter
func (es *EventStore) Version() uint64 {
	return es.version.Load()
}

// StationCount returns the number of stations in the store
func (es *EventStore) StationCount() int {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return len(es.series)
}

// TotalEvents returns the number of stored events
func (es *EventStore) TotalEvents() int64 {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return es.totalEvents
}

// CleanupExpired removes events older than cutoff and drops empty stations
func (es *EventStore) CleanupExpired(cutoff time.Time) int {
	es.mu.Lock()
	defer es.mu.Unlock()

	removed := 0
	for id, series := range es.series {
		n := series.dropBefore(cutoff)
		removed += n
		es.totalEvents -= int64(n)
		if series.Size() == 0 {
			delete(es.series, id)
		}
	}
	if removed > 0 {
		es.version.Add(1)
	}
	return removed
}

// SortEvents orders events by timestamp, then station ID
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].StationID < events[j].StationID
	})
}

var maxTime = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
