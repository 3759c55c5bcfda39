package video

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectionLogRoundTrip(t *testing.T) {
	ctx := context.Background()
	scene := NewSyntheticSource(SyntheticConfig{FPS: 10, Duration: 3, Vehicles: 4, Seed: 1})

	var buf bytes.Buffer
	n, err := WriteDetectionLog(ctx, &buf, scene)
	require.NoError(t, err)
	assert.Equal(t, 30, n)

	path := filepath.Join(t.TempDir(), "scene.jsonl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	src, err := OpenDetectionLog(path)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, 10.0, src.FPS())
	assert.Equal(t, SyntheticWidth, src.Header().Width)

	replay := NewSyntheticSource(SyntheticConfig{FPS: 10, Duration: 3, Vehicles: 4, Seed: 1})
	for i := 0; i < n; i++ {
		got, err := src.Next(ctx)
		require.NoError(t, err)
		want, err := replay.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = src.Next(ctx)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestDetectionLogRejectsBadHeader(t *testing.T) {
	_, err := NewDetectionLogSource(strings.NewReader(""))
	assert.Error(t, err)

	_, err = NewDetectionLogSource(strings.NewReader("not json\n"))
	assert.Error(t, err)

	_, err = NewDetectionLogSource(strings.NewReader(`{"format":"mp4","fps":30}` + "\n"))
	assert.Error(t, err)

	_, err = NewDetectionLogSource(strings.NewReader(`{"format":"evdemand-detections","fps":0}` + "\n"))
	assert.Error(t, err)

	_, err = OpenDetectionLog(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestDetectionLogMalformedFrame(t *testing.T) {
	log := `{"format":"evdemand-detections","fps":5}
{"detections":[{"box":{"x1":1,"y1":1,"x2":5,"y2":5},"class":"car","confidence":0.9}]}

{"detections":[oops
`
	src, err := NewDetectionLogSource(strings.NewReader(log))
	require.NoError(t, err)

	frame, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, frame.Index)
	require.Len(t, frame.Detections, 1)
	assert.Equal(t, "car", frame.Detections[0].Class)

	_, err = src.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed frame 1")
}

func TestSyntheticSourceIsDeterministic(t *testing.T) {
	a := NewSyntheticSource(SyntheticConfig{FPS: 5, Duration: 4, Vehicles: 6, Seed: 9})
	b := NewSyntheticSource(SyntheticConfig{FPS: 5, Duration: 4, Vehicles: 6, Seed: 9})
	assert.Equal(t, a.Vehicles(), b.Vehicles())

	ctx := context.Background()
	frames := 0
	for {
		fa, err := a.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		fb, err := b.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, fa, fb)

		for _, d := range fa.Detections {
			require.NoError(t, d.Validate())
			assert.LessOrEqual(t, d.Box.X2, float64(SyntheticWidth))
		}
		frames++
	}
	assert.Equal(t, 20, frames)
}

func TestSyntheticVehicleVisibility(t *testing.T) {
	v := SyntheticVehicle{Class: "car", EnterAt: 1, Speed: 100, Lane: 100, Length: 50, Height: 20}

	_, ok := v.boxAt(0.5)
	assert.False(t, ok, "not entered yet")

	box, ok := v.boxAt(1.25)
	require.True(t, ok)
	assert.Equal(t, Box{X1: 0, Y1: 90, X2: 25, Y2: 110}, box)

	_, ok = v.boxAt(8)
	assert.False(t, ok, "left the scene")

	back := SyntheticVehicle{Class: "bus", Speed: -100, Lane: 200, Length: 100, Height: 60}
	box, ok = back.boxAt(0.5)
	require.True(t, ok)
	assert.Equal(t, Box{X1: 590, Y1: 170, X2: 640, Y2: 230}, box)
}
