// Package video turns per-frame vehicle detections into unique vehicle
// counts, queue lengths and dwell times.
package video

import (
	"context"
	"errors"
	"fmt"
	"math"

	"ev-demand-analytics-engine/tracking"
)

// ErrInvalidDetection is wrapped by every ValidationError
var ErrInvalidDetection = errors.New("invalid detection")

// ValidationError reports a malformed detection returned by the detector
type ValidationError struct {
	Frame     int
	Detection int
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid detection %d in frame %d: %s", e.Detection, e.Frame, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidDetection }

// Box is an axis-aligned bounding box in pixel coordinates
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Centroid returns the center of the box
func (b Box) Centroid() tracking.Point {
	return tracking.Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// BoxDetection is one object reported by a detector
type BoxDetection struct {
	Box        Box     `json:"box"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// Validate checks the detection for non-finite values, a confidence outside
// [0, 1], negative coordinates and inverted boxes.
func (d BoxDetection) Validate() error {
	if math.IsNaN(d.Confidence) || math.IsInf(d.Confidence, 0) {
		return errors.New("confidence is not finite")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %g outside [0, 1]", d.Confidence)
	}
	for _, v := range []float64{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("box coordinate is not finite")
		}
		if v < 0 {
			return fmt.Errorf("negative box coordinate %g", v)
		}
	}
	if d.Box.X2 < d.Box.X1 || d.Box.Y2 < d.Box.Y1 {
		return errors.New("box corners are inverted")
	}
	return nil
}

// Frame is one decoded frame. Detections carries boxes recorded with the
// frame, if any.
type Frame struct {
	Index      int            `json:"index"`
	Width      int            `json:"width,omitempty"`
	Height     int            `json:"height,omitempty"`
	Detections []BoxDetection `json:"detections"`
}

// Detector finds objects in a frame
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]BoxDetection, error)
}

// DetectorFunc adapts a function to the Detector interface
type DetectorFunc func(ctx context.Context, frame Frame) ([]BoxDetection, error)

func (f DetectorFunc) Detect(ctx context.Context, frame Frame) ([]BoxDetection, error) {
	return f(ctx, frame)
}

// ReplayDetector returns the detections recorded with each frame
type ReplayDetector struct{}

func (ReplayDetector) Detect(ctx context.Context, frame Frame) ([]BoxDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]BoxDetection(nil), frame.Detections...), nil
}
