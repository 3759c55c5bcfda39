package storage

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// SnapshotBlock is the gzip-compressed JSON document written by WriteSnapshot
type SnapshotBlock struct {
	CreatedAt time.Time `json:"created_at"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Count     int       `json:"count"`
	Events    []Event   `json:"events"`
}

// WriteSnapshot writes events to path atomically (temp file + rename)
func WriteSnapshot(path string, events []Event) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := EncodeSnapshot(tmp, events); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}

// EncodeSnapshot writes a compressed snapshot block to w
func EncodeSnapshot(w io.Writer, events []Event) error {
	block := SnapshotBlock{
		CreatedAt: time.Now().UTC(),
		Count:     len(events),
		Events:    events,
	}
	if len(events) > 0 {
		block.StartTime = events[0].Timestamp
		block.EndTime = events[len(events)-1].Timestamp
	}

	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if err := json.NewEncoder(gz).Encode(&block); err != nil {
		gz.Close()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads the events of a snapshot file
func ReadSnapshot(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot %s: %w", path, err)
	}
	defer f.Close()

	block, err := DecodeSnapshot(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	return block.Events, nil
}

// DecodeSnapshot reads a compressed snapshot block from r
func DecodeSnapshot(r io.Reader) (*SnapshotBlock, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var block SnapshotBlock
	if err := json.NewDecoder(gz).Decode(&block); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if block.Count != len(block.Events) {
		return nil, fmt.Errorf("snapshot corrupted: header count %d, found %d events", block.Count, len(block.Events))
	}
	return &block, nil
}
