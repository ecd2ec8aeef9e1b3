// Package preview keeps the latest analyzed frame of every session and renders it with its
// detections for display. It stands in for a local preview window: nothing here feeds back into
// the data path.
package preview

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/questvision/visionstream/videoproc"
	"github.com/questvision/visionstream/vision"
)

// Snapshot is the latest frame seen for a session.
type Snapshot struct {
	Frame    videoproc.FrameEnvelope
	Batch    vision.DetectionBatch
	Received time.Time
}

// Store holds one Snapshot per session. The zero value is not usable; use NewStore.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	now       func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{snapshots: map[string]Snapshot{}, now: time.Now}
}

// Observer returns the frame observer for a session's loop. It only swaps a map entry, so it
// never holds up the loop.
func (s *Store) Observer(sessionID string) videoproc.FrameObserver {
	return func(frame videoproc.FrameEnvelope, batch vision.DetectionBatch) {
		snap := Snapshot{Frame: frame, Batch: batch, Received: s.now()}
		s.mu.Lock()
		s.snapshots[sessionID] = snap
		s.mu.Unlock()
	}
}

// Forget drops the session's snapshot.
func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.snapshots, sessionID)
	s.mu.Unlock()
}

// Latest returns the most recent snapshot for the session.
func (s *Store) Latest(sessionID string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[sessionID]
	return snap, ok
}

// Sessions lists the ids that have a snapshot, sorted.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	ids := lo.Keys(s.snapshots)
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
