package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ev-demand-analytics-engine/logging"
)

// DetectionStore persists unique vehicle detections
type DetectionStore interface {
	SaveDetection(ctx context.Context, d DetectionEvent) (int64, error)
	ListDetections(ctx context.Context, source string, limit, offset int) ([]DetectionEvent, int, error)
	DetectionSummary(ctx context.Context) (map[string]map[string]int, error)
	DeleteDetections(ctx context.Context, source string) (int64, error)
}

// StorageEngine coordinates the in-memory event table with the optional
// sqlite store. Writes go to sqlite first so the hot tier never holds data
// that was not persisted.
type StorageEngine struct {
	hot        *EventStore
	db         *DB
	detections DetectionStore
	config     *StorageConfig
	logger     logrus.FieldLogger

	cleanupWorker *CleanupWorker

	mu sync.Mutex
}

// StorageConfig contains configuration for the storage engine
type StorageConfig struct {
	MaxStations         int
	MaxEventsPerStation int
	RetentionPeriod     time.Duration
	CleanupInterval     time.Duration
}

// CleanupWorker handles removal of events past the retention period
type CleanupWorker struct {
	engine   *StorageEngine
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewStorageEngine creates a new storage engine. db may be nil, in which case
// detections are kept in memory and events are not persisted.
func NewStorageEngine(config *StorageConfig, db *DB, logger logrus.FieldLogger) *StorageEngine {
	engine := &StorageEngine{
		hot:    NewEventStore(config.MaxStations, config.MaxEventsPerStation),
		db:     db,
		config: config,
		logger: logging.OrDefault(logger),
	}

	if db != nil {
		engine.detections = db
	} else {
		engine.detections = NewMemoryDetectionStore()
	}

	interval := config.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	engine.cleanupWorker = &CleanupWorker{
		engine:   engine,
		interval: interval,
		stopChan: make(chan struct{}),
	}

	return engine
}

// LoadPersisted fills the hot tier from sqlite and an optional snapshot file.
// The count of events stored is returned even when some were rejected.
func (se *StorageEngine) LoadPersisted(ctx context.Context, snapshotPath string) (int, error) {
	var events []Event

	if snapshotPath != "" {
		snap, err := ReadSnapshot(snapshotPath)
		if err != nil {
			return 0, err
		}
		events = append(events, snap...)
	}

	if se.db != nil {
		since := time.Time{}
		if se.config.RetentionPeriod > 0 {
			since = time.Now().Add(-se.config.RetentionPeriod)
		}
		persisted, err := se.db.LoadEvents(ctx, since)
		if err != nil {
			return 0, fmt.Errorf("failed to load persisted events: %w", err)
		}
		events = append(events, persisted...)
	}

	if len(events) == 0 {
		return 0, nil
	}
	n, err := se.hot.Insert(events)
	if err != nil {
		return n, fmt.Errorf("failed to load events into memory: %w", err)
	}
	return n, nil
}

// AddEvent stores a single event
func (se *StorageEngine) AddEvent(ctx context.Context, e Event) error {
	return se.AddEvents(ctx, []Event{e})
}

// AddEvents validates, persists and indexes a batch of events
func (se *StorageEngine) AddEvents(ctx context.Context, events []Event) error {
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}

	se.mu.Lock()
	defer se.mu.Unlock()

	if err := se.hot.CheckCapacity(events); err != nil {
		return err
	}
	if se.db != nil {
		if err := se.db.InsertEvents(ctx, events); err != nil {
			return err
		}
	}
	return se.hot.AddEvents(events)
}

// Events returns every event in timestamp order
func (se *StorageEngine) Events() []Event {
	return se.hot.All()
}

// Snapshot returns every event with the dataset version they belong to
func (se *StorageEngine) Snapshot() ([]Event, uint64) {
	return se.hot.Snapshot()
}

// Range returns events for one station (or all) within [start, end]
func (se *StorageEngine) Range(stationID string, start, end time.Time) []Event {
	return se.hot.Range(stationID, start, end)
}

// Stations returns per-station metadata
func (se *StorageEngine) Stations() []StationInfo {
	return se.hot.Stations()
}

// Version returns the dataset version of the event table
func (se *StorageEngine) Version() uint64 {
	return se.hot.Version()
}

// Detections returns the detection store
func (se *StorageEngine) Detections() DetectionStore {
	return se.detections
}

// DB returns the sqlite store, or nil when persistence is disabled
func (se *StorageEngine) DB() *DB {
	return se.db
}

// GetStorageStats returns statistics about storage usage
func (se *StorageEngine) GetStorageStats() StorageStats {
	return StorageStats{
		Stations:    se.hot.StationCount(),
		TotalEvents: se.hot.TotalEvents(),
		Version:     se.hot.Version(),
		Persistent:  se.db != nil,
	}
}

// Start begins the background cleanup worker
func (se *StorageEngine) Start() {
	se.cleanupWorker.Start()
}

// Stop shuts down the cleanup worker and closes the database
func (se *StorageEngine) Stop() error {
	se.cleanupWorker.Stop()

	if se.db != nil {
		if err := se.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}

// TriggerCleanup manually triggers cleanup of expired data
func (se *StorageEngine) TriggerCleanup(ctx context.Context) error {
	return se.performCleanup(ctx)
}

func (se *StorageEngine) performCleanup(ctx context.Context) error {
	if se.config.RetentionPeriod <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-se.config.RetentionPeriod)

	hotCleaned := se.hot.CleanupExpired(cutoff)

	var dbCleaned int64
	if se.db != nil {
		var err error
		dbCleaned, err = se.db.DeleteEventsBefore(ctx, cutoff)
		if err != nil {
			return err
		}
	}

	se.logger.WithFields(logrus.Fields{
		"hot_removed": hotCleaned,
		"db_removed":  dbCleaned,
	}).Debug("retention cleanup finished")
	return nil
}

func (cw *CleanupWorker) Start() {
	cw.wg.Add(1)
	go cw.run()
}

func (cw *CleanupWorker) Stop() {
	select {
	case <-cw.stopChan:
		return
	default:
		close(cw.stopChan)
	}
	cw.wg.Wait()
}

func (cw *CleanupWorker) run() {
	defer cw.wg.Done()

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-cw.stopChan:
			return
		case <-ticker.C:
			if err := cw.engine.performCleanup(context.Background()); err != nil {
				cw.engine.logger.WithError(err).Warn("retention cleanup failed")
			}
		}
	}
}

// StorageStats represents storage layer statistics
type StorageStats struct {
	Stations    int    `json:"stations"`
	TotalEvents int64  `json:"total_events"`
	Version     uint64 `json:"dataset_version"`
	Persistent  bool   `json:"persistent"`
}

// MemoryDetectionStore keeps detections in memory when sqlite is disabled
type MemoryDetectionStore struct {
	mu     sync.RWMutex
	nextID int64
	items  []DetectionEvent
}

// NewMemoryDetectionStore creates an empty in-memory detection store
func NewMemoryDetectionStore() *MemoryDetectionStore {
	return &MemoryDetectionStore{}
}

// SaveDetection appends a detection
func (m *MemoryDetectionStore) SaveDetection(_ context.Context, d DetectionEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	d.ID = m.nextID
	if d.EventType == "" {
		d.EventType = EventTypeUniqueDetection
	}
	m.items = append(m.items, d)
	return d.ID, nil
}

// ListDetections returns a page of detections, newest first
func (m *MemoryDetectionStore) ListDetections(_ context.Context, source string, limit, offset int) ([]DetectionEvent, int, error) {
	m.mu.RLock()
	var matched []DetectionEvent
	for _, d := range m.items {
		if source == "" || d.Source == source {
			matched = append(matched, d)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit >= 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

// DetectionSummary returns per-video, per-class detection counts
func (m *MemoryDetectionStore) DetectionSummary(_ context.Context) (map[string]map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := make(map[string]map[string]int)
	for _, d := range m.items {
		if summary[d.Source] == nil {
			summary[d.Source] = make(map[string]int)
		}
		summary[d.Source][d.ClassName]++
	}
	return summary, nil
}

// DeleteDetections removes detections of one video, or all when source is empty
func (m *MemoryDetectionStore) DeleteDetections(_ context.Context, source string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.items[:0]
	var removed int64
	for _, d := range m.items {
		if source == "" || d.Source == source {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	m.items = kept
	return removed, nil
}
