package journal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock returns a fixed time that tests move explicitly.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestJournal(t *testing.T, opts ...Option) (*Journal, *MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(store, zerolog.Nop(), opts...), store, clock
}

func appendEvent(t *testing.T, j *Journal, missionID string, eventType engine.JournalEventType, payload interface{}) *engine.JournalEntry {
	t.Helper()
	entry, err := engine.NewJournalEntry(missionID, eventType, payload)
	require.NoError(t, err)
	require.NoError(t, j.Append(context.Background(), entry))
	return entry
}

func TestAppend_AssignsIdentitySequenceAndHash(t *testing.T) {
	j, store, clock := newTestJournal(t)

	first := appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "one"})
	clock.Advance(time.Second)
	second := appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "two"})
	other := appendEvent(t, j, "m2", engine.EventMissionWarning, engine.MessageEvent{Message: "x"})

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, int64(1), other.Sequence, "sequences are per mission")

	assert.Empty(t, first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, HashEntry(second), second.Hash)
	assert.Len(t, second.Hash, 64)

	assert.Equal(t, 3, store.Len())
}

func TestAppend_TimestampsNeverDecrease(t *testing.T) {
	j, _, clock := newTestJournal(t)

	first := appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "a"})
	clock.Advance(-time.Minute)
	second := appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "b"})

	assert.False(t, second.Timestamp.Before(first.Timestamp))
	assert.Equal(t, time.UTC, second.Timestamp.Location())
}

func TestAppend_StoredEntryIsACopy(t *testing.T) {
	j, store, _ := newTestJournal(t)

	entry := appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "a"})
	entry.EventType = engine.EventMissionError

	stored, err := store.QueryEntries(context.Background(), engine.JournalFilter{MissionID: "m1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, engine.EventMissionWarning, stored[0].EventType)
}

func TestAppend_RejectsMissingMissionID(t *testing.T) {
	j, _, _ := newTestJournal(t)

	err := j.Append(context.Background(), &engine.JournalEntry{EventType: engine.EventMissionWarning})
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
}

func TestAppend_ResumesSequenceFromStore(t *testing.T) {
	j, store, _ := newTestJournal(t)
	appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "a"})
	last := appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "b"})

	reopened := New(store, zerolog.Nop())
	next := appendEvent(t, reopened, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "c"})

	assert.Equal(t, int64(3), next.Sequence)
	assert.Equal(t, last.Hash, next.PrevHash)
}

func TestAppend_WithoutHashing(t *testing.T) {
	j, _, _ := newTestJournal(t, WithHashing(false))

	entry := appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "a"})
	assert.Empty(t, entry.Hash)
	assert.Empty(t, entry.PrevHash)
}

func TestQuery_FiltersSortsAndPaginates(t *testing.T) {
	j, _, clock := newTestJournal(t)
	start := clock.Now()

	for i := 0; i < 5; i++ {
		appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "w"})
		appendEvent(t, j, "m2", engine.EventMissionError, engine.MessageEvent{Message: "e"})
		clock.Advance(time.Minute)
	}
	ctx := context.Background()

	tests := []struct {
		name      string
		query     Query
		wantCount int
		wantFirst int64
	}{
		{name: "all entries", query: Query{}, wantCount: 10},
		{name: "by mission", query: Query{MissionID: "m1"}, wantCount: 5, wantFirst: 1},
		{name: "by event type", query: Query{EventTypes: []engine.JournalEventType{engine.EventMissionError}}, wantCount: 5},
		{name: "since", query: Query{MissionID: "m1", Since: start.Add(2 * time.Minute)}, wantCount: 3, wantFirst: 3},
		{name: "until", query: Query{MissionID: "m1", Until: start.Add(time.Minute)}, wantCount: 2, wantFirst: 1},
		{name: "descending", query: Query{MissionID: "m1", Descending: true}, wantCount: 5, wantFirst: 5},
		{name: "offset and limit", query: Query{MissionID: "m1", Offset: 1, Limit: 2}, wantCount: 2, wantFirst: 2},
		{name: "offset past end", query: Query{MissionID: "m1", Offset: 10}, wantCount: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := j.Query(ctx, tt.query)
			require.NoError(t, err)
			assert.Len(t, entries, tt.wantCount)
			if tt.wantFirst > 0 && len(entries) > 0 {
				assert.Equal(t, tt.wantFirst, entries[0].Sequence)
			}
		})
	}
}

func TestQuery_OrdersEqualTimestampsBySequence(t *testing.T) {
	j, _, _ := newTestJournal(t)
	for i := 0; i < 4; i++ {
		appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "same instant"})
	}

	entries, err := j.Query(context.Background(), Query{MissionID: "m1"})
	require.NoError(t, err)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestReconstruct_ReplaysStatusAndResults(t *testing.T) {
	j, _, clock := newTestJournal(t)
	req := engine.MissionRequest{
		Name:       "edge-upgrade",
		Components: []engine.Component{{ID: "gw", Type: "edge"}},
	}

	appendEvent(t, j, "m1", engine.EventMissionSubmitted, engine.SubmittedEvent{Name: req.Name, Request: req, Priority: 2})
	clock.Advance(time.Second)
	appendEvent(t, j, "m1", engine.EventStatusChanged, engine.StatusChangedEvent{
		From: engine.MissionStatusPending, To: engine.MissionStatusPlanning,
	})
	appendEvent(t, j, "m1", engine.EventStatusChanged, engine.StatusChangedEvent{
		From: engine.MissionStatusPlanning, To: engine.MissionStatusExecuting,
	})
	appendEvent(t, j, "m1", engine.EventStepFinished, engine.StepEvent{Result: engine.StepResult{
		StepID: "gw", ComponentID: "gw", Status: engine.StepStatusSucceeded, Attempts: 1,
	}})
	clock.Advance(time.Second)
	appendEvent(t, j, "m1", engine.EventStatusChanged, engine.StatusChangedEvent{
		From: engine.MissionStatusExecuting, To: engine.MissionStatusSucceeded,
	})

	mission, err := j.Reconstruct(context.Background(), "m1")
	require.NoError(t, err)

	assert.Equal(t, "m1", mission.ID)
	assert.Equal(t, "edge-upgrade", mission.Name)
	assert.Equal(t, 2, mission.Priority)
	assert.Equal(t, engine.MissionStatusSucceeded, mission.Status)
	assert.Len(t, mission.Transitions, 3)
	require.Contains(t, mission.StepResults, "gw")
	assert.Equal(t, engine.StepStatusSucceeded, mission.StepResults["gw"].Status)
	assert.True(t, clock.Now().Equal(mission.UpdatedAt))
}

func TestReconstruct_UnknownMission(t *testing.T) {
	j, _, _ := newTestJournal(t)

	_, err := j.Reconstruct(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeMissionNotFound))
}

func TestReconstruct_CorruptPayload(t *testing.T) {
	j, _, _ := newTestJournal(t)
	appendEvent(t, j, "m1", engine.EventMissionSubmitted, engine.SubmittedEvent{Name: "x"})
	require.NoError(t, j.Append(context.Background(), &engine.JournalEntry{
		MissionID: "m1",
		EventType: engine.EventStatusChanged,
		Payload:   json.RawMessage(`{"to":`),
	}))

	_, err := j.Reconstruct(context.Background(), "m1")
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
}

func TestPurge_RespectsRetentionAndKeptMissions(t *testing.T) {
	j, store, clock := newTestJournal(t)

	appendEvent(t, j, "old", engine.EventMissionWarning, engine.MessageEvent{Message: "a"})
	appendEvent(t, j, "active", engine.EventMissionWarning, engine.MessageEvent{Message: "b"})
	clock.Advance(48 * time.Hour)
	appendEvent(t, j, "recent", engine.EventMissionWarning, engine.MessageEvent{Message: "c"})

	deleted, err := j.Purge(context.Background(), 24*time.Hour, []string{"active"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, 2, store.Len())

	remaining, err := j.Query(context.Background(), Query{MissionID: "old"})
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestPurge_KeepsStraddlingStreamWhole(t *testing.T) {
	j, store, clock := newTestJournal(t)
	ctx := context.Background()

	appendEvent(t, j, "long", engine.EventMissionSubmitted, engine.SubmittedEvent{Name: "long-running"})
	appendEvent(t, j, "done", engine.EventMissionSubmitted, engine.SubmittedEvent{Name: "finished"})
	clock.Advance(48 * time.Hour)
	appendEvent(t, j, "long", engine.EventMissionWarning, engine.MessageEvent{Message: "still going"})

	deleted, err := j.Purge(ctx, 24*time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, 2, store.Len())

	m, err := j.Reconstruct(ctx, "long")
	require.NoError(t, err)
	assert.Equal(t, "long-running", m.Name)
	assert.Contains(t, m.Warnings, "still going")

	_, err = j.Reconstruct(ctx, "done")
	assert.True(t, engine.HasCode(err, engine.ErrCodeMissionNotFound))
}

func TestPurge_SequenceContinuesAfterPurge(t *testing.T) {
	j, _, clock := newTestJournal(t)
	appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "a"})
	clock.Advance(48 * time.Hour)

	_, err := j.Purge(context.Background(), time.Hour, nil)
	require.NoError(t, err)

	next := appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "b"})
	assert.Equal(t, int64(2), next.Sequence)

	n, err := j.Verify(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("intact chain", func(t *testing.T) {
		j, _, _ := newTestJournal(t)
		for i := 0; i < 3; i++ {
			appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "w"})
		}
		n, err := j.Verify(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("modified payload", func(t *testing.T) {
		j, store, _ := newTestJournal(t)
		appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "a"})
		appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "b"})
		store.entries[1].Payload = json.RawMessage(`{"message":"forged"}`)

		n, err := j.Verify(ctx, "m1")
		require.Error(t, err)
		assert.Equal(t, 1, n)
		assert.Contains(t, err.Error(), "content hash")
	})

	t.Run("removed entry", func(t *testing.T) {
		j, store, _ := newTestJournal(t)
		for i := 0; i < 3; i++ {
			appendEvent(t, j, "m1", engine.EventMissionWarning, engine.MessageEvent{Message: "w"})
		}
		store.entries = append(store.entries[:1], store.entries[2:]...)

		_, err := j.Verify(ctx, "m1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "previous hash")
	})
}
