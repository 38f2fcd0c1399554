package journal

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/missionctl/pkg/engine"
)

// MemoryStore keeps journal entries in process memory. Queries scan every entry.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*engine.JournalEntry
}

var _ engine.JournalStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// AppendEntry stores a copy of entry.
func (s *MemoryStore) AppendEntry(ctx context.Context, entry *engine.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *entry
	s.entries = append(s.entries, &stored)
	return nil
}

// QueryEntries returns copies of the entries matching filter.
func (s *MemoryStore) QueryEntries(ctx context.Context, filter engine.JournalFilter) ([]*engine.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*engine.JournalEntry, 0)
	for _, e := range s.entries {
		if matches(e, filter) {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// LastEntry returns the highest-sequence entry of a mission.
func (s *MemoryStore) LastEntry(ctx context.Context, missionID string) (*engine.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *engine.JournalEntry
	for _, e := range s.entries {
		if e.MissionID == missionID && (last == nil || e.Sequence > last.Sequence) {
			last = e
		}
	}
	if last == nil {
		return nil, nil
	}
	c := *last
	return &c, nil
}

// PurgeEntries deletes whole streams whose last entry is stamped before the
// cutoff, except for excluded missions.
func (s *MemoryStore) PurgeEntries(ctx context.Context, before time.Time, exclude []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		keep[id] = struct{}{}
	}

	lastAt := make(map[string]time.Time)
	for _, e := range s.entries {
		if e.Timestamp.After(lastAt[e.MissionID]) {
			lastAt[e.MissionID] = e.Timestamp
		}
	}

	var deleted int64
	remaining := s.entries[:0]
	for _, e := range s.entries {
		_, kept := keep[e.MissionID]
		if !kept && lastAt[e.MissionID].Before(before) {
			deleted++
			continue
		}
		remaining = append(remaining, e)
	}
	for i := len(remaining); i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = remaining
	return deleted, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func matches(e *engine.JournalEntry, filter engine.JournalFilter) bool {
	if filter.MissionID != "" && e.MissionID != filter.MissionID {
		return false
	}
	if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
		return false
	}
	if len(filter.EventTypes) == 0 {
		return true
	}
	for _, t := range filter.EventTypes {
		if e.EventType == t {
			return true
		}
	}
	return false
}
