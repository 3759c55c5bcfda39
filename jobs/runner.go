package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ev-demand-analytics-engine/config"
	"ev-demand-analytics-engine/logging"
	"ev-demand-analytics-engine/metrics"
	"ev-demand-analytics-engine/storage"
	"ev-demand-analytics-engine/video"
)

// defaultProgressEvery is how many sampled frames pass between status writes
const defaultProgressEvery = 25

// EventAppender receives the per-video demand event
type EventAppender interface {
	AddEvent(ctx context.Context, e storage.Event) error
}

// SourceOpener opens an uploaded file as a frame source
type SourceOpener func(path string) (video.FrameSource, error)

// RunnerConfig controls job execution
type RunnerConfig struct {
	Pipeline        video.Options
	AppendToEvents  bool
	StationID       string
	StationCapacity int
	ProgressEvery   int
}

// RunnerConfigFrom builds a RunnerConfig from the service configuration
func RunnerConfigFrom(cfg *config.Config) RunnerConfig {
	return RunnerConfig{
		Pipeline:        video.OptionsFromConfig(cfg.Video, cfg.Tracking),
		AppendToEvents:  cfg.Video.AppendToEvents,
		StationID:       cfg.Video.StationID,
		StationCapacity: cfg.Video.StationCapacity,
		ProgressEvery:   defaultProgressEvery,
	}
}

// Runner executes video jobs in background goroutines. Jobs are not
// cancellable once submitted; Wait blocks until all of them finish.
type Runner struct {
	detector video.Detector
	sink     video.DetectionSink
	events   EventAppender
	store    StatusStore
	cfg      RunnerConfig
	open     SourceOpener
	logger   logrus.FieldLogger
	wg       sync.WaitGroup
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithSourceOpener replaces the detection log reader used for uploads
func WithSourceOpener(open SourceOpener) RunnerOption {
	return func(r *Runner) { r.open = open }
}

// NewRunner creates a job runner. sink and events may be nil.
func NewRunner(detector video.Detector, sink video.DetectionSink, events EventAppender, store StatusStore, cfg RunnerConfig, logger logrus.FieldLogger, opts ...RunnerOption) *Runner {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = defaultProgressEvery
	}
	r := &Runner{
		detector: detector,
		sink:     sink,
		events:   events,
		store:    store,
		cfg:      cfg,
		logger:   logging.OrDefault(logger),
		open:     openDetectionLog,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func openDetectionLog(path string) (video.FrameSource, error) {
	src, err := video.OpenDetectionLog(path)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// Submit registers a pending job for the file at path and starts it. The
// runner owns path from here on and removes it when the job ends.
func (r *Runner) Submit(ctx context.Context, source, path string) (Job, error) {
	now := time.Now().UTC()
	job := Job{
		ID:        uuid.NewString(),
		Source:    source,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Put(ctx, job); err != nil {
		r.removeFile(path, r.logger)
		return Job{}, fmt.Errorf("failed to register job: %w", err)
	}

	r.wg.Add(1)
	go r.run(job, path)

	r.logger.WithFields(logrus.Fields{"job_id": job.ID, "source": source}).Info("video job submitted")
	return job, nil
}

func (r *Runner) run(job Job, path string) {
	defer r.wg.Done()

	ctx := context.Background()
	log := r.logger.WithFields(logrus.Fields{"job_id": job.ID, "source": job.Source})
	defer r.removeFile(path, log)

	job.Status = StatusProcessing
	r.update(ctx, &job, log)

	src, err := r.open(path)
	if err != nil {
		r.fail(ctx, &job, fmt.Errorf("failed to open source: %w", err), log)
		return
	}

	pipeline := video.NewPipeline(r.detector, r.sink, r.cfg.Pipeline, log)
	pipeline.OnProgress(func(p video.Progress) {
		if p.FramesProcessed%r.cfg.ProgressEvery != 0 {
			return
		}
		job.Progress = &p
		r.update(ctx, &job, log)
	})

	summary, err := pipeline.Process(ctx, src, job.Source)
	job.Summary = summary
	if summary != nil {
		job.Progress = &video.Progress{
			FramesRead:      summary.FramesRead,
			FramesProcessed: summary.FramesProcessed,
			UniqueVehicles:  summary.UniqueVehicles,
		}
	}
	if err != nil {
		r.fail(ctx, &job, err, log)
		return
	}

	if r.cfg.AppendToEvents && r.events != nil {
		event := summary.ToEvent(r.cfg.StationID, r.cfg.StationCapacity, summary.StartedAt.Truncate(time.Hour))
		if err := r.events.AddEvent(ctx, event); err != nil {
			r.fail(ctx, &job, fmt.Errorf("failed to append demand event: %w", err), log)
			return
		}
	}

	job.Status = StatusCompleted
	r.update(ctx, &job, log)
	metrics.VideoJobs.WithLabelValues(StatusCompleted).Inc()
	log.WithFields(logrus.Fields{
		"vehicles": summary.UniqueVehicles,
		"frames":   summary.FramesProcessed,
	}).Info("video job completed")
}

func (r *Runner) fail(ctx context.Context, job *Job, err error, log logrus.FieldLogger) {
	job.Status = StatusFailed
	job.Error = err.Error()
	r.update(ctx, job, log)
	metrics.VideoJobs.WithLabelValues(StatusFailed).Inc()
	log.WithError(err).Error("video job failed")
}

func (r *Runner) update(ctx context.Context, job *Job, log logrus.FieldLogger) {
	job.UpdatedAt = time.Now().UTC()
	if err := r.store.Put(ctx, *job); err != nil {
		log.WithError(err).WithField("status", job.Status).Warn("failed to store job status")
	}
}

func (r *Runner) removeFile(path string, log logrus.FieldLogger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).WithField("path", path).Warn("failed to remove temporary file")
	}
}

// Get returns the current record of job id
func (r *Runner) Get(ctx context.Context, id string) (Job, error) {
	return r.store.Get(ctx, id)
}

// List returns all known jobs, oldest first
func (r *Runner) List(ctx context.Context) ([]Job, error) {
	return r.store.List(ctx)
}

// Reset forgets every job record. Running jobs keep writing their status.
func (r *Runner) Reset(ctx context.Context) error {
	return r.store.Reset(ctx)
}

// Wait blocks until every submitted job has finished
func (r *Runner) Wait() {
	r.wg.Wait()
}
