// Package notelog keeps a small append-only log of administrative events:
// small-position auto-closes, stale positions dropped on duplicate close,
// reconciliation repairs.
package notelog

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const (
	defaultNoteDir   = "./wal/notes"
	noteSegmentLimit = 1000
	noteMaxSegments  = 10

	noteKey = "note"
)

// Note is one audit entry.
type Note struct {
	Timestamp time.Time `json:"ts"`
	// Kind groups notes (auto_close, stale_drop, reconcile_repair).
	Kind string `json:"kind"`
	// PositionID is set when the note concerns a single position.
	PositionID string `json:"position_id,omitempty"`
	Text       string `json:"text"`
}

// WALStore persists notes in a WAL.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed note log under the provided directory.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultNoteDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "note_",
		SegmentThreshold: noteSegmentLimit,
		MaxSegments:      noteMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init note WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Append writes the note. Note-log failures are never fatal to trading, so
// callers typically log and continue.
func (s *WALStore) Append(note Note) error {
	if s == nil || s.wal == nil {
		return errors.New("note log is not initialized")
	}
	if note.Timestamp.IsZero() {
		note.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(note)
	if err != nil {
		return errors.Wrap(err, "marshal note")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, noteKey, payload)
}

// All returns every note in append order.
func (s *WALStore) All() ([]Note, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("note log is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var notes []Note
	for m := range s.wal.Iterator() {
		var note Note
		if err := json.Unmarshal(m.Value, &note); err != nil {
			return nil, errors.Wrap(err, "decode note")
		}
		notes = append(notes, note)
	}

	return notes, nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("note log is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
