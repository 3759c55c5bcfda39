package video

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// DetectionLogFormat identifies the detection log header
const DetectionLogFormat = "evdemand-detections"

const maxLogLine = 16 << 20

// FrameSource yields frames in order. Next returns io.EOF after the last frame.
type FrameSource interface {
	FPS() float64
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// LogHeader is the first line of a detection log
type LogHeader struct {
	Format string  `json:"format"`
	FPS    float64 `json:"fps"`
	Width  int     `json:"width,omitempty"`
	Height int     `json:"height,omitempty"`
}

// DetectionLogSource reads a JSON-lines detection log: a header line
// followed by one frame per line.
type DetectionLogSource struct {
	header  LogHeader
	scanner *bufio.Scanner
	closer  io.Closer
	index   int
}

// OpenDetectionLog opens the detection log at path
func OpenDetectionLog(path string) (*DetectionLogSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open detection log: %w", err)
	}
	src, err := NewDetectionLogSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	src.closer = f
	return src, nil
}

// NewDetectionLogSource reads a detection log from r and validates its header
func NewDetectionLogSource(r io.Reader) (*DetectionLogSource, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLogLine)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read detection log header: %w", err)
		}
		return nil, errors.New("detection log is empty")
	}

	var header LogHeader
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return nil, fmt.Errorf("malformed detection log header: %w", err)
	}
	if header.Format != DetectionLogFormat {
		return nil, fmt.Errorf("unsupported detection log format %q", header.Format)
	}
	if header.FPS <= 0 {
		return nil, fmt.Errorf("detection log fps must be positive, got %g", header.FPS)
	}

	return &DetectionLogSource{header: header, scanner: scanner}, nil
}

// Header returns the parsed log header
func (s *DetectionLogSource) Header() LogHeader { return s.header }

func (s *DetectionLogSource) FPS() float64 { return s.header.FPS }

// Next returns the next frame. Frame indexes are assigned by position.
func (s *DetectionLogSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			return Frame{}, fmt.Errorf("malformed frame %d: %w", s.index, err)
		}
		frame.Index = s.index
		if frame.Width == 0 {
			frame.Width, frame.Height = s.header.Width, s.header.Height
		}
		s.index++
		return frame, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Frame{}, fmt.Errorf("failed to read frame %d: %w", s.index, err)
	}
	return Frame{}, io.EOF
}

func (s *DetectionLogSource) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}

// WriteDetectionLog drains src into w in detection log format and returns
// the number of frames written. src is not closed.
func WriteDetectionLog(ctx context.Context, w io.Writer, src FrameSource) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	header := LogHeader{Format: DetectionLogFormat, FPS: src.FPS()}
	if sized, ok := src.(interface{ Size() (int, int) }); ok {
		header.Width, header.Height = sized.Size()
	}
	if err := enc.Encode(header); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}

	n := 0
	for {
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}
		if frame.Detections == nil {
			frame.Detections = []BoxDetection{}
		}
		if err := enc.Encode(frame); err != nil {
			return n, fmt.Errorf("failed to write frame %d: %w", frame.Index, err)
		}
		n++
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("failed to flush detection log: %w", err)
	}
	return n, nil
}
