package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"ev-demand-analytics-engine/config"
	"ev-demand-analytics-engine/logging"
	"ev-demand-analytics-engine/metrics"
	"ev-demand-analytics-engine/storage"
	"ev-demand-analytics-engine/tracking"
)

// DetectionSink persists one record per newly tracked vehicle
type DetectionSink interface {
	SaveDetection(ctx context.Context, d storage.DetectionEvent) (int64, error)
}

// Options controls sampling, filtering and tracking
type Options struct {
	TargetFPS           float64
	ConfidenceThreshold float64
	VehicleClasses      []string
	MaxDisappeared      int
	MaxDistance         float64
	FinalizeOnEnd       bool
}

// OptionsFromConfig combines the video and tracking sections
func OptionsFromConfig(v config.VideoConfig, t config.TrackingConfig) Options {
	return Options{
		TargetFPS:           v.TargetFPS,
		ConfidenceThreshold: v.ConfidenceThreshold,
		VehicleClasses:      v.VehicleClasses,
		MaxDisappeared:      t.MaxDisappeared,
		MaxDistance:         t.MaxDistance,
		FinalizeOnEnd:       v.FinalizeOnEnd,
	}
}

// Progress is reported after every sampled frame
type Progress struct {
	FramesRead      int `json:"frames_read"`
	FramesProcessed int `json:"frames_processed"`
	UniqueVehicles  int `json:"unique_vehicles"`
}

// Summary is the per-video result. On failure it holds the state reached
// before the error.
type Summary struct {
	SourceID         string             `json:"source_id"`
	FPS              float64            `json:"fps"`
	FrameInterval    int                `json:"frame_interval"`
	FramesRead       int                `json:"frames_read"`
	FramesProcessed  int                `json:"frames_processed"`
	FramesSkipped    int                `json:"frames_skipped"`
	Duration         float64            `json:"duration_seconds"`
	UniqueVehicles   int                `json:"unique_vehicle_count"`
	PerClassCounts   map[string]int     `json:"per_class_counts"`
	MaxQueueLength   int                `json:"max_queue_length"`
	AvgQueueLength   float64            `json:"avg_queue_length"`
	AvgDwellTime     float64            `json:"avg_dwell_time"`
	DwellTimeByClass map[string]float64 `json:"dwell_time_by_class"`
	StartedAt        time.Time          `json:"started_at"`
	CompletedAt      time.Time          `json:"completed_at"`
}

// ToEvent converts the summary into a station event. Vehicles beyond
// capacity at the busiest moment are counted as queued, which saturates
// occupancy.
func (s *Summary) ToEvent(stationID string, capacity int, ts time.Time) storage.Event {
	if capacity <= 0 {
		capacity = 1
	}
	e := storage.Event{
		Timestamp:     ts,
		StationID:     stationID,
		VehicleCount:  s.UniqueVehicles,
		SessionCount:  s.UniqueVehicles,
		OccupancyRate: math.Min(1, s.AvgQueueLength/float64(capacity)),
		QueueLength:   s.MaxQueueLength - capacity,
	}
	if e.QueueLength > 0 {
		e.OccupancyRate = 1
	} else {
		e.QueueLength = 0
	}
	return e
}

// Pipeline samples frames, runs detection, tracks vehicles and persists the
// first sighting of each. A Pipeline may run several videos, one at a time
// or concurrently; each Process call owns its tracker.
type Pipeline struct {
	detector Detector
	sink     DetectionSink
	opts     Options
	classes  map[string]bool
	logger   logrus.FieldLogger
	progress func(Progress)
}

// NewPipeline creates a pipeline. sink may be nil.
func NewPipeline(detector Detector, sink DetectionSink, opts Options, logger logrus.FieldLogger) *Pipeline {
	classes := make(map[string]bool, len(opts.VehicleClasses))
	for _, c := range opts.VehicleClasses {
		classes[c] = true
	}
	return &Pipeline{
		detector: detector,
		sink:     sink,
		opts:     opts,
		classes:  classes,
		logger:   logging.OrDefault(logger),
	}
}

// OnProgress registers a callback invoked after every sampled frame
func (p *Pipeline) OnProgress(fn func(Progress)) {
	p.progress = fn
}

// FrameInterval returns how many source frames make one sampled frame
func FrameInterval(fps, targetFPS float64) int {
	if targetFPS <= 0 {
		return 1
	}
	n := int(math.Floor(fps / targetFPS))
	if n < 1 {
		return 1
	}
	return n
}

// Process runs the whole source through the pipeline and closes it.
// Detector errors skip the frame; source, validation and sink errors abort
// and return the partial summary with the error.
func (p *Pipeline) Process(ctx context.Context, src FrameSource, sourceID string) (summary *Summary, err error) {
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close source: %w", cerr)
		}
	}()

	fps := src.FPS()
	if fps <= 0 || math.IsNaN(fps) {
		return &Summary{SourceID: sourceID}, fmt.Errorf("source %s has invalid fps %g", sourceID, fps)
	}

	log := p.logger.WithField("source", sourceID)
	tracker := tracking.NewCentroidTracker(p.opts.MaxDisappeared, p.opts.MaxDistance)
	summary = &Summary{
		SourceID:      sourceID,
		FPS:           fps,
		FrameInterval: FrameInterval(fps, p.opts.TargetFPS),
		StartedAt:     time.Now().UTC(),
	}
	defer func() { p.finish(summary, tracker) }()

	log.WithFields(logrus.Fields{"fps": fps, "interval": summary.FrameInterval}).Info("video processing started")

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("failed to read frame %d: %w", summary.FramesRead, err)
		}
		idx := summary.FramesRead
		summary.FramesRead++
		summary.Duration = float64(summary.FramesRead) / fps

		if idx%summary.FrameInterval != 0 {
			continue
		}

		raw, err := p.detector.Detect(ctx, frame)
		if err != nil {
			summary.FramesSkipped++
			metrics.FramesSkipped.Inc()
			log.WithError(err).WithField("frame", idx).Warn("detector failed, skipping frame")
			continue
		}

		detections, err := p.filter(idx, raw)
		if err != nil {
			return summary, err
		}

		now := float64(idx) / fps
		tracker.SetCurrentTime(now)
		results := tracker.Update(detections)
		summary.FramesProcessed++
		metrics.FramesProcessed.Inc()

		for i, r := range results {
			if !r.New {
				continue
			}
			if err := p.persist(ctx, summary, sourceID, now, r, detections[i].Confidence); err != nil {
				return summary, err
			}
		}

		if p.progress != nil {
			p.progress(Progress{
				FramesRead:      summary.FramesRead,
				FramesProcessed: summary.FramesProcessed,
				UniqueVehicles:  tracker.UniqueCount(),
			})
		}
	}

	if p.opts.FinalizeOnEnd {
		tracker.SetCurrentTime(summary.Duration)
		tracker.CloseAll()
	}

	log.WithFields(logrus.Fields{
		"frames":   summary.FramesRead,
		"sampled":  summary.FramesProcessed,
		"vehicles": tracker.UniqueCount(),
	}).Info("video processing completed")
	return summary, nil
}

// filter validates every detection, then keeps vehicle classes above the
// confidence threshold as tracker input
func (p *Pipeline) filter(frame int, raw []BoxDetection) ([]tracking.Detection, error) {
	for i, d := range raw {
		if err := d.Validate(); err != nil {
			return nil, &ValidationError{Frame: frame, Detection: i, Reason: err.Error()}
		}
	}

	out := make([]tracking.Detection, 0, len(raw))
	for _, d := range raw {
		if !p.classes[d.Class] || d.Confidence <= p.opts.ConfidenceThreshold {
			continue
		}
		out = append(out, tracking.Detection{
			Centroid:   d.Box.Centroid(),
			Class:      d.Class,
			Confidence: d.Confidence,
		})
	}
	return out, nil
}

func (p *Pipeline) persist(ctx context.Context, s *Summary, sourceID string, offset float64, r tracking.Result, confidence float64) error {
	if p.sink == nil {
		return nil
	}
	event := storage.DetectionEvent{
		Timestamp:  s.StartedAt.Add(time.Duration(offset * float64(time.Second))),
		Source:     sourceID,
		ObjectID:   r.ObjectID,
		ClassName:  r.Class,
		Confidence: confidence,
		EventType:  storage.EventTypeUniqueDetection,
	}
	if _, err := p.sink.SaveDetection(ctx, event); err != nil {
		return fmt.Errorf("failed to persist detection of object %d: %w", r.ObjectID, err)
	}
	metrics.UniqueDetections.Inc()
	return nil
}

func (p *Pipeline) finish(s *Summary, tracker *tracking.CentroidTracker) {
	st := tracker.Stats()
	s.UniqueVehicles = st.UniqueObjects
	s.PerClassCounts = st.ClassCounts
	s.MaxQueueLength = st.MaxQueue
	s.AvgQueueLength = st.AvgQueue
	s.AvgDwellTime = st.AvgDwell
	s.DwellTimeByClass = st.DwellByClass
	s.CompletedAt = time.Now().UTC()
}
