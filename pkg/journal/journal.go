package journal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/rs/zerolog"
)

// Journal is the append-only event log of missions and rollouts.
// It implements engine.JournalWriter on top of an engine.JournalStore.
type Journal struct {
	mu      sync.Mutex
	store   engine.JournalStore
	cursors map[string]*cursor
	hashing bool
	now     func() time.Time
	logger  zerolog.Logger
}

var _ engine.JournalWriter = (*Journal)(nil)

// cursor tracks the tail of one mission's event stream.
type cursor struct {
	sequence  int64
	hash      string
	timestamp time.Time
}

// Option configures a Journal.
type Option func(*Journal)

// WithHashing enables or disables the SHA-256 hash chain. It is enabled by default.
func WithHashing(enabled bool) Option {
	return func(j *Journal) {
		j.hashing = enabled
	}
}

// WithClock replaces the wall clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

// New creates a journal over store.
func New(store engine.JournalStore, logger zerolog.Logger, opts ...Option) *Journal {
	j := &Journal{
		store:   store,
		cursors: make(map[string]*cursor),
		hashing: true,
		now:     time.Now,
		logger:  logger.With().Str("component", "journal").Logger(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Store returns the backing store.
func (j *Journal) Store() engine.JournalStore {
	return j.store
}

// Append assigns the entry's ID, sequence, timestamp and hashes, then writes it once.
// Appends are serialized so every mission's stream is totally ordered.
func (j *Journal) Append(ctx context.Context, entry *engine.JournalEntry) error {
	if entry.MissionID == "" {
		return engine.NewPermanentError("journal entry has no mission id", nil).
			WithCode(engine.ErrCodeValidation)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	cur, err := j.cursorLocked(ctx, entry.MissionID)
	if err != nil {
		return err
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.Sequence = cur.sequence + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = j.now().UTC().Round(0)
	}
	if entry.Timestamp.Before(cur.timestamp) {
		entry.Timestamp = cur.timestamp
	}
	if j.hashing {
		entry.PrevHash = cur.hash
		entry.Hash = HashEntry(entry)
	}

	stored := *entry
	if err := j.store.AppendEntry(ctx, &stored); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}

	cur.sequence = entry.Sequence
	cur.hash = entry.Hash
	cur.timestamp = entry.Timestamp

	j.logger.Debug().
		Str("mission_id", entry.MissionID).
		Int64("sequence", entry.Sequence).
		Str("event_type", string(entry.EventType)).
		Msg("Appended journal entry")
	return nil
}

// cursorLocked returns the tail of a mission's stream, loading it from the store on first use.
func (j *Journal) cursorLocked(ctx context.Context, missionID string) (*cursor, error) {
	if cur, ok := j.cursors[missionID]; ok {
		return cur, nil
	}

	last, err := j.store.LastEntry(ctx, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load journal tail for %s: %w", missionID, err)
	}

	cur := &cursor{}
	if last != nil {
		cur.sequence = last.Sequence
		cur.hash = last.Hash
		cur.timestamp = last.Timestamp
	}
	j.cursors[missionID] = cur
	return cur, nil
}

// Query selects journal entries.
type Query struct {
	MissionID  string
	EventTypes []engine.JournalEventType
	Since      time.Time
	Until      time.Time

	// Descending returns the newest entries first.
	Descending bool

	Offset int
	Limit  int
}

// Query returns the entries matching q ordered by timestamp, then sequence.
func (j *Journal) Query(ctx context.Context, q Query) ([]*engine.JournalEntry, error) {
	entries, err := j.store.QueryEntries(ctx, engine.JournalFilter{
		MissionID:  q.MissionID,
		EventTypes: q.EventTypes,
		Since:      q.Since,
		Until:      q.Until,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}

	sortEntries(entries)
	if q.Descending {
		for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
			entries[i], entries[k] = entries[k], entries[i]
		}
	}

	if q.Offset > 0 {
		if q.Offset >= len(entries) {
			return []*engine.JournalEntry{}, nil
		}
		entries = entries[q.Offset:]
	}
	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}
	return entries, nil
}

// Reconstruct replays a mission's stream into a snapshot. The result equals the
// live mission at every completed phase boundary.
func (j *Journal) Reconstruct(ctx context.Context, missionID string) (*engine.Mission, error) {
	entries, err := j.Query(ctx, Query{MissionID: missionID})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 || entries[0].EventType != engine.EventMissionSubmitted {
		return nil, engine.NewMissionNotFoundError(missionID)
	}

	mission := &engine.Mission{}
	for _, entry := range entries {
		if err := engine.ApplyJournalEntry(mission, entry); err != nil {
			return nil, err
		}
	}
	return mission, nil
}

// Purge deletes the streams whose newest entry is older than retention, except
// those of the kept missions. A stream with any recent entry is kept whole so
// it still reconstructs. Purged entries cannot be restored.
func (j *Journal) Purge(ctx context.Context, retention time.Duration, keep []string) (int64, error) {
	cutoff := j.now().UTC().Add(-retention)

	j.mu.Lock()
	defer j.mu.Unlock()

	n, err := j.store.PurgeEntries(ctx, cutoff, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to purge journal: %w", err)
	}

	j.logger.Info().
		Time("cutoff", cutoff).
		Int64("deleted", n).
		Int("kept_missions", len(keep)).
		Msg("Purged journal entries")
	return n, nil
}

// Verify recomputes the hash chain of a mission's stream and returns the number
// of entries checked. The first remaining entry anchors the chain, so a stream
// appended to after its old entries were purged still verifies.
func (j *Journal) Verify(ctx context.Context, missionID string) (int, error) {
	entries, err := j.Query(ctx, Query{MissionID: missionID})
	if err != nil {
		return 0, err
	}

	var prev *engine.JournalEntry
	for i, entry := range entries {
		if prev != nil {
			if entry.Sequence <= prev.Sequence {
				return i, tamperedError(entry, "sequence does not increase")
			}
			if entry.PrevHash != prev.Hash {
				return i, tamperedError(entry, "previous hash does not match")
			}
		}
		if entry.Hash != "" && entry.Hash != HashEntry(entry) {
			return i, tamperedError(entry, "content hash does not match")
		}
		prev = entry
	}
	return len(entries), nil
}

func tamperedError(entry *engine.JournalEntry, reason string) error {
	return engine.NewPermanentError(fmt.Sprintf("journal verification failed: %s", reason), nil).
		WithCode(engine.ErrCodeValidation).
		WithResource(entry.MissionID).
		WithDetail("entry_id", entry.ID).
		WithDetail("sequence", entry.Sequence)
}

// HashEntry computes the content hash of an entry, covering its identity,
// position, payload and the previous hash.
func HashEntry(entry *engine.JournalEntry) string {
	h := sha256.New()
	for _, part := range []string{
		entry.ID,
		entry.MissionID,
		strconv.FormatInt(entry.Sequence, 10),
		string(entry.EventType),
		strconv.FormatInt(entry.Timestamp.UnixNano(), 10),
		entry.PrevHash,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(entry.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

func sortEntries(entries []*engine.JournalEntry) {
	sort.SliceStable(entries, func(a, b int) bool {
		ea, eb := entries[a], entries[b]
		if !ea.Timestamp.Equal(eb.Timestamp) {
			return ea.Timestamp.Before(eb.Timestamp)
		}
		if ea.MissionID != eb.MissionID {
			return ea.MissionID < eb.MissionID
		}
		return ea.Sequence < eb.Sequence
	})
}
