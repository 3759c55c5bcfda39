package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ev-demand-analytics-engine/config"
	"ev-demand-analytics-engine/logging"
	"ev-demand-analytics-engine/metrics"
	"ev-demand-analytics-engine/storage"
)

// DataSource represents different ingestion sources
type DataSource string

const (
	HTTPSource  DataSource = "http"
	MQTTSource  DataSource = "mqtt"
	VideoSource DataSource = "video"
)

// StorageWriter interface for abstracting storage operations
type StorageWriter interface {
	AddEvents(ctx context.Context, events []storage.Event) error
}

// ProcessorStats counts events through the processor
type ProcessorStats struct {
	TotalIngested    int64 `json:"total_ingested"`
	TotalProcessed   int64 `json:"total_processed"`
	TotalErrors      int64 `json:"total_errors"`
	BatchesProcessed int64 `json:"batches_processed"`
	Buffered         int   `json:"buffered"`
}

// StreamProcessor buffers station events and writes them to storage in
// batches, either when a batch fills up or on the flush interval.
type StreamProcessor struct {
	storage       StorageWriter
	bufferSize    int
	batchSize     int
	flushInterval time.Duration
	dataBuffer    []storage.Event
	bufferMutex   sync.Mutex
	isRunning     bool
	stopChan      chan struct{}
	wg            sync.WaitGroup
	logger        logrus.FieldLogger

	// Statistics
	stats struct {
		TotalIngested    int64
		TotalProcessed   int64
		TotalErrors      int64
		BatchesProcessed int64
		mu               sync.RWMutex
	}

	validator *EventValidator
}

// EventValidator handles data quality and validation
type EventValidator struct {
	maxVehicleCount    int
	maxQueueLength     int
	maxStationIDLength int
	allowedStations    map[string]bool
	futureThreshold    time.Duration
	pastThreshold      time.Duration
	now                func() time.Time
}

// NewEventValidator creates a validator from the configured rules
func NewEventValidator(rules config.ValidationConfig) *EventValidator {
	ev := &EventValidator{
		maxVehicleCount:    rules.MaxVehicleCount,
		maxQueueLength:     rules.MaxQueueLength,
		maxStationIDLength: rules.MaxStationIDLength,
		futureThreshold:    rules.FutureTimestampThreshold.Duration,
		pastThreshold:      rules.PastTimestampThreshold.Duration,
		now:                time.Now,
	}
	ev.SetAllowedStations(rules.AllowedStations)
	return ev
}

// SetAllowedStations sets the whitelist of station ids. Empty allows all.
func (ev *EventValidator) SetAllowedStations(ids []string) {
	ev.allowedStations = make(map[string]bool)
	for _, id := range ids {
		ev.allowedStations[id] = true
	}
}

// ValidateEvent checks the record invariants and the configured limits
func (ev *EventValidator) ValidateEvent(e storage.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	if ev.maxStationIDLength > 0 && len(e.StationID) > ev.maxStationIDLength {
		return fmt.Errorf("station_id longer than %d characters", ev.maxStationIDLength)
	}
	if len(ev.allowedStations) > 0 && !ev.allowedStations[e.StationID] {
		return fmt.Errorf("station '%s' not allowed", e.StationID)
	}

	if ev.maxVehicleCount > 0 && (e.VehicleCount > ev.maxVehicleCount || e.SessionCount > ev.maxVehicleCount) {
		return fmt.Errorf("vehicle or session count above %d", ev.maxVehicleCount)
	}
	if ev.maxQueueLength > 0 && e.QueueLength > ev.maxQueueLength {
		return fmt.Errorf("queue_length %d above %d", e.QueueLength, ev.maxQueueLength)
	}

	now := ev.now()
	if ev.futureThreshold > 0 && e.Timestamp.After(now.Add(ev.futureThreshold)) {
		return fmt.Errorf("timestamp too far in future")
	}
	if ev.pastThreshold > 0 && e.Timestamp.Before(now.Add(-ev.pastThreshold)) {
		return fmt.Errorf("timestamp too far in past")
	}

	return nil
}

// NewStreamProcessor creates a new stream processor
func NewStreamProcessor(store StorageWriter, cfg config.IngestionConfig, logger logrus.FieldLogger) *StreamProcessor {
	return &StreamProcessor{
		storage:       store,
		bufferSize:    cfg.BufferSize,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval.Duration,
		dataBuffer:    make([]storage.Event, 0, cfg.BufferSize),
		stopChan:      make(chan struct{}),
		validator:     NewEventValidator(cfg.ValidationRules),
		logger:        logging.OrDefault(logger),
	}
}

// Start begins the stream processing
func (sp *StreamProcessor) Start(ctx context.Context) error {
	sp.bufferMutex.Lock()
	if sp.isRunning {
		sp.bufferMutex.Unlock()
		return fmt.Errorf("stream processor already running")
	}
	sp.isRunning = true
	sp.bufferMutex.Unlock()

	// Start background flush routine
	sp.wg.Add(1)
	go sp.flushRoutine(ctx)

	return nil
}

// Stop stops the stream processor and writes whatever is still buffered
func (sp *StreamProcessor) Stop() {
	sp.bufferMutex.Lock()
	if !sp.isRunning {
		sp.bufferMutex.Unlock()
		return
	}
	sp.isRunning = false
	sp.bufferMutex.Unlock()

	close(sp.stopChan)
	sp.wg.Wait()

	// Flush remaining data
	sp.Flush()
}

// IngestEvent adds a single event to the processing buffer
func (sp *StreamProcessor) IngestEvent(e storage.Event) error {
	if err := sp.validator.ValidateEvent(e); err != nil {
		sp.incrementErrorCount()
		metrics.EventsRejected.Inc()
		return fmt.Errorf("validation failed: %w", err)
	}

	sp.bufferMutex.Lock()
	defer sp.bufferMutex.Unlock()

	if !sp.isRunning {
		return fmt.Errorf("stream processor not running")
	}

	// Check buffer capacity
	if len(sp.dataBuffer) >= sp.bufferSize {
		sp.bufferMutex.Unlock()
		sp.Flush()
		sp.bufferMutex.Lock()
	}

	sp.dataBuffer = append(sp.dataBuffer, e)
	sp.incrementIngestedCount()

	// Trigger flush if batch size reached
	if len(sp.dataBuffer) >= sp.batchSize {
		sp.bufferMutex.Unlock()
		sp.Flush()
		sp.bufferMutex.Lock()
	}

	return nil
}

// IngestBatch processes multiple events at once. Invalid events are skipped
// and counted; the number accepted is returned.
func (sp *StreamProcessor) IngestBatch(events []storage.Event) int {
	accepted := 0
	for _, e := range events {
		if err := sp.IngestEvent(e); err != nil {
			sp.logger.WithError(err).WithField("station_id", e.StationID).Debug("event rejected")
			continue
		}
		accepted++
	}
	return accepted
}

// IngestJSON processes one JSON-encoded event
func (sp *StreamProcessor) IngestJSON(jsonData []byte) error {
	var e storage.Event
	if err := json.Unmarshal(jsonData, &e); err != nil {
		sp.incrementErrorCount()
		metrics.EventsRejected.Inc()
		return fmt.Errorf("JSON parsing failed: %w", err)
	}

	return sp.IngestEvent(e)
}

// IngestJSONBatch processes a JSON array of events
func (sp *StreamProcessor) IngestJSONBatch(jsonData []byte) (int, error) {
	var events []storage.Event
	if err := json.Unmarshal(jsonData, &events); err != nil {
		sp.incrementErrorCount()
		return 0, fmt.Errorf("JSON parsing failed: %w", err)
	}

	return sp.IngestBatch(events), nil
}

// flushRoutine runs in background to periodically flush the buffer
func (sp *StreamProcessor) flushRoutine(ctx context.Context) {
	defer sp.wg.Done()

	ticker := time.NewTicker(sp.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sp.stopChan:
			return
		case <-ticker.C:
			sp.Flush()
		}
	}
}

// Flush writes buffered events to storage
func (sp *StreamProcessor) Flush() {
	sp.bufferMutex.Lock()
	if len(sp.dataBuffer) == 0 {
		sp.bufferMutex.Unlock()
		return
	}

	// Copy buffer for processing
	batch := make([]storage.Event, len(sp.dataBuffer))
	copy(batch, sp.dataBuffer)

	// Clear buffer
	sp.dataBuffer = sp.dataBuffer[:0]
	sp.bufferMutex.Unlock()

	sp.processBatch(batch)
	sp.incrementBatchCount()
}

// processBatch writes a batch of events to storage
func (sp *StreamProcessor) processBatch(batch []storage.Event) {
	if err := sp.storage.AddEvents(context.Background(), batch); err != nil {
		sp.logger.WithError(err).WithField("events", len(batch)).Error("failed to store event batch")
		sp.stats.mu.Lock()
		sp.stats.TotalErrors += int64(len(batch))
		sp.stats.mu.Unlock()
		return
	}

	sp.stats.mu.Lock()
	sp.stats.TotalProcessed += int64(len(batch))
	sp.stats.mu.Unlock()
	metrics.EventsIngested.Add(float64(len(batch)))
}

// Statistics methods
func (sp *StreamProcessor) incrementIngestedCount() {
	sp.stats.mu.Lock()
	sp.stats.TotalIngested++
	sp.stats.mu.Unlock()
}

func (sp *StreamProcessor) incrementErrorCount() {
	sp.stats.mu.Lock()
	sp.stats.TotalErrors++
	sp.stats.mu.Unlock()
}

func (sp *StreamProcessor) incrementBatchCount() {
	sp.stats.mu.Lock()
	sp.stats.BatchesProcessed++
	sp.stats.mu.Unlock()
}

// GetStats returns current processing statistics
func (sp *StreamProcessor) GetStats() ProcessorStats {
	sp.stats.mu.RLock()
	st := ProcessorStats{
		TotalIngested:    sp.stats.TotalIngested,
		TotalProcessed:   sp.stats.TotalProcessed,
		TotalErrors:      sp.stats.TotalErrors,
		BatchesProcessed: sp.stats.BatchesProcessed,
	}
	sp.stats.mu.RUnlock()

	st.Buffered = sp.GetBufferSize()
	return st
}

// HandleHTTPEvent is the HTTP endpoint handler for a single event
func (sp *StreamProcessor) HandleHTTPEvent(jsonData []byte) error {
	return sp.IngestJSON(jsonData)
}

// HandleHTTPBatch is the HTTP endpoint handler for an event array
func (sp *StreamProcessor) HandleHTTPBatch(jsonData []byte) (int, error) {
	return sp.IngestJSONBatch(jsonData)
}

// GetBufferSize returns current buffer utilization
func (sp *StreamProcessor) GetBufferSize() int {
	sp.bufferMutex.Lock()
	defer sp.bufferMutex.Unlock()
	return len(sp.dataBuffer)
}

// IsRunning returns whether the processor is active
func (sp *StreamProcessor) IsRunning() bool {
	sp.bufferMutex.Lock()
	defer sp.bufferMutex.Unlock()
	return sp.isRunning
}

// GetValidator returns the event validator for configuration
func (sp *StreamProcessor) GetValidator() *EventValidator {
	return sp.validator
}
