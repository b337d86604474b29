package recorder

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/core/states"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// SnapshotVersion is the format version written by ExportSnapshot.
const SnapshotVersion = 1

// Snapshot is the decoded content of a state snapshot.
type Snapshot struct {
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	States    []*states.State `json:"states"`
}

// ExportSnapshot writes every current state to w as zstd-compressed JSON.
func (r *Recorder) ExportSnapshot(w io.Writer) (int, error) {
	snap := Snapshot{
		Version:   SnapshotVersion,
		CreatedAt: r.hub.Loop.Now(),
		States:    r.hub.States.All(),
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(snap); err != nil {
		enc.Close()
		return 0, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish snapshot: %w", err)
	}
	return len(snap.States), nil
}

// ReadSnapshot decodes a snapshot written by ExportSnapshot.
func ReadSnapshot(rd io.Reader) (*Snapshot, error) {
	dec, err := zstd.NewReader(rd, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	var snap Snapshot
	if err := json.NewDecoder(dec).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	return &snap, nil
}

// ImportSnapshot restores every state in the snapshot, keeping their
// timestamps. Entities missing from the snapshot are left alone. Invalid
// entries are skipped and counted.
func (r *Recorder) ImportSnapshot(rd io.Reader) (imported, skipped int, err error) {
	snap, err := ReadSnapshot(rd)
	if err != nil {
		return 0, 0, err
	}

	for _, s := range snap.States {
		if s == nil || len(s.State) > states.MaxStateLength {
			skipped++
			continue
		}
		if s.Attributes == nil {
			s.Attributes = map[string]interface{}{}
		}
		if err := r.hub.States.Restore(s); err != nil {
			skipped++
			continue
		}
		imported++
	}

	r.logger.WithFields(logrus.Fields{
		"imported":   imported,
		"skipped":    skipped,
		"created_at": snap.CreatedAt,
	}).Info("Imported state snapshot")
	return imported, skipped, nil
}
