package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionplane/actionplane/core"
)

func newFileJournal(t *testing.T) (*FileJournal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.log")
	// A long flush interval proves Replay flushes the live writer itself.
	j, err := NewFileJournal(path, time.Hour, &core.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func collectRecords(t *testing.T, j Journal) []JournalRecord {
	t.Helper()
	var out []JournalRecord
	require.NoError(t, j.Replay(context.Background(), func(rec JournalRecord) error {
		out = append(out, rec)
		return nil
	}))
	return out
}

func TestFileJournalAppendReplay(t *testing.T) {
	j, _ := newFileJournal(t)
	ctx := context.Background()

	journalAppend(ctx, j, nil, JournalRecord{
		Kind: JournalActionAdmitted,
		ID:   "act-1",
		Body: map[string]interface{}{"platform": "notion"},
	})
	journalAppend(ctx, j, nil, JournalRecord{
		Kind: JournalIdempotencyDone,
		ID:   "ik-1",
		Body: map[string]interface{}{"external_id": "sim-notion-1"},
	})
	journalAppend(ctx, j, nil, JournalRecord{
		Kind: JournalWorkflowStep,
		ID:   "wf-1",
	})

	records := collectRecords(t, j)
	require.Len(t, records, 3)
	assert.Equal(t, JournalActionAdmitted, records[0].Kind)
	assert.Equal(t, "act-1", records[0].ID)
	assert.Equal(t, "notion", records[0].Body["platform"])
	assert.False(t, records[0].TS.IsZero(), "append helper stamps the record")
	assert.Equal(t, JournalIdempotencyDone, records[1].Kind)
	assert.Equal(t, "sim-notion-1", records[1].Body["external_id"])
	assert.Equal(t, JournalWorkflowStep, records[2].Kind)
}

func TestFileJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")

	first, err := NewFileJournal(path, 10*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, first.Append(context.Background(), JournalRecord{
		Kind: JournalActionTerminal, ID: "act-1", TS: time.Now(),
	}))
	require.NoError(t, first.Close())

	second, err := NewFileJournal(path, 10*time.Millisecond, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	require.NoError(t, second.Append(context.Background(), JournalRecord{
		Kind: JournalActionTerminal, ID: "act-2", TS: time.Now(),
	}))

	records := collectRecords(t, second)
	require.Len(t, records, 2)
	assert.Equal(t, "act-1", records[0].ID)
	assert.Equal(t, "act-2", records[1].ID)
}

func TestFileJournalSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")

	first, err := NewFileJournal(path, 10*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, first.Append(context.Background(), JournalRecord{
		Kind: JournalActionAdmitted, ID: "act-1", TS: time.Now(),
	}))
	require.NoError(t, first.Close())

	// A torn write in the middle of the file must not block recovery.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"kind\":\"action_term\n")
	require.NoError(t, err)
	valid, err := json.Marshal(JournalRecord{Kind: JournalActionTerminal, ID: "act-2", TS: time.Now()})
	require.NoError(t, err)
	_, err = f.Write(append(valid, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	second, err := NewFileJournal(path, 10*time.Millisecond, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	records := collectRecords(t, second)
	require.Len(t, records, 2)
	assert.Equal(t, "act-1", records[0].ID)
	assert.Equal(t, "act-2", records[1].ID)
}

func TestFileJournalReplayStopsOnCallbackError(t *testing.T) {
	j, _ := newFileJournal(t)
	ctx := context.Background()
	require.NoError(t, j.Append(ctx, JournalRecord{Kind: JournalActionAdmitted, ID: "act-1", TS: time.Now()}))
	require.NoError(t, j.Append(ctx, JournalRecord{Kind: JournalActionAdmitted, ID: "act-2", TS: time.Now()}))

	boom := errors.New("stop here")
	seen := 0
	err := j.Replay(ctx, func(rec JournalRecord) error {
		seen++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, seen)
}

func TestFileJournalCloseIsIdempotent(t *testing.T) {
	j, _ := newFileJournal(t)
	require.NoError(t, j.Append(context.Background(), JournalRecord{
		Kind: JournalActionAdmitted, ID: "act-1", TS: time.Now(),
	}))

	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	err := j.Append(context.Background(), JournalRecord{Kind: JournalActionAdmitted, ID: "act-2"})
	assert.ErrorIs(t, err, core.ErrJournalClosed)
}

func TestFileJournalStats(t *testing.T) {
	j, _ := newFileJournal(t)

	stats := j.Stats()
	assert.Equal(t, "file", stats.Backend)
	assert.Zero(t, stats.Appended)
	assert.True(t, stats.LastAppend.IsZero())

	require.NoError(t, j.Append(context.Background(), JournalRecord{
		Kind: JournalActionAdmitted, ID: "act-1", TS: time.Now(),
	}))

	stats = j.Stats()
	assert.Equal(t, int64(1), stats.Appended)
	assert.False(t, stats.LastAppend.IsZero())
}

func TestFileJournalReplayAfterFileRemoved(t *testing.T) {
	j, path := newFileJournal(t)
	require.NoError(t, j.Append(context.Background(), JournalRecord{
		Kind: JournalActionAdmitted, ID: "act-1", TS: time.Now(),
	}))
	require.NoError(t, j.Close())
	require.NoError(t, os.Remove(path))

	assert.Empty(t, collectRecords(t, j))
}

func TestJournalAppendHelperToleratesNilJournal(t *testing.T) {
	journalAppend(context.Background(), nil, &core.NoOpLogger{}, JournalRecord{
		Kind: JournalActionAdmitted,
		ID:   "act-1",
	})
}
