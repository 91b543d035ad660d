package wal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dockq/pkg/types"
)

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	w, err := NewWAL(filepath.Join(t.TempDir(), "wal", "dockq.wal"), false)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func testJob(id string, status types.JobStatus) *types.DockingJob {
	return &types.DockingJob{
		ID:           types.JobID(id),
		ReceptorName: "1abc",
		Status:       status,
		TotalLigands: 2,
		Params:       types.DefaultParams(),
		CreatedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func collect(t *testing.T, w *WAL, afterSeq uint64) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(afterSeq, func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

func TestAppendAndReplay(t *testing.T) {
	w := newTestWAL(t)

	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending), false))
	job := testJob("a", types.StatusProcessing)
	job.AddResult(types.FailedLigand("lig1", "ligand preparation failed: x"))
	require.NoError(t, w.Append(EventUpdate, job, true))
	require.NoError(t, w.Append(EventDelete, &types.DockingJob{ID: "a"}, false))

	events := collect(t, w, 0)
	require.Len(t, events, 3)
	assert.Equal(t, []EventType{EventCreate, EventUpdate, EventDelete},
		[]EventType{events[0].Type, events[1].Type, events[2].Type})
	assert.Equal(t, uint64(3), w.GetLastSeq())

	restored, err := events[1].Job()
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, restored.Status)
	require.Len(t, restored.LigandResults, 1)
	assert.Equal(t, "lig1", restored.LigandResults[0].LigandName)
	assert.Equal(t, 1, restored.FailedDocks)

	assert.Empty(t, events[2].Record)
	_, err = events[2].Job()
	assert.Error(t, err)
}

func TestReplaySkipsEventsCoveredBySnapshot(t *testing.T) {
	w := newTestWAL(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, w.Append(EventCreate, testJob(id, types.StatusPending), false))
	}

	events := collect(t, w, 2)
	require.Len(t, events, 1)
	assert.Equal(t, types.JobID("c"), events[0].JobID)
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dockq.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending), false))
	require.NoError(t, w.Append(EventCreate, testJob("b", types.StatusPending), false))
	require.NoError(t, w.Close())

	w2, err := NewWAL(path, true)
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(2), w2.GetLastSeq())

	require.NoError(t, w2.Append(EventCreate, testJob("c", types.StatusPending), false))
	assert.Equal(t, uint64(3), w2.GetLastSeq())
	assert.NoError(t, ValidateWAL(path))
}

func TestRotateTruncatesButKeepsSequence(t *testing.T) {
	w := newTestWAL(t)
	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending), false))
	require.NoError(t, w.Append(EventCreate, testJob("b", types.StatusPending), false))

	require.NoError(t, w.Rotate())
	n, err := CountEvents(w.Path())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, w.Append(EventCreate, testJob("c", types.StatusPending), false))
	events := collect(t, w, 2)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].Seq)
}

func TestAdvanceSeq(t *testing.T) {
	w := newTestWAL(t)
	w.AdvanceSeq(41)
	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending), false))
	assert.Equal(t, uint64(42), w.GetLastSeq())

	w.AdvanceSeq(10)
	assert.Equal(t, uint64(42), w.GetLastSeq(), "sequence never moves backwards")
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	w := newTestWAL(t)
	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending), true))

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"status":"pending"`, `"status":"completed"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(w.Path(), []byte(tampered), 0o644))

	err = w.Replay(0, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
}

func TestReplayToleratesTornTail(t *testing.T) {
	w := newTestWAL(t)
	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending), true))

	f, err := os.OpenFile(w.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"UPD`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events := collect(t, w, 0)
	assert.Len(t, events, 1)
}

func TestReplayRejectsCorruptMiddleLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dockq.wal")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o644))

	_, err := NewWAL(path, false)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
}

func TestReplayStopsOnHandlerError(t *testing.T) {
	w := newTestWAL(t)
	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending), false))
	require.NoError(t, w.Append(EventCreate, testJob("b", types.StatusPending), false))

	boom := errors.New("boom")
	calls := 0
	err := w.Replay(0, func(Event) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

type failingFile struct{ writeErr, syncErr error }

func (f *failingFile) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return len(p), nil
}
func (f *failingFile) Sync() error  { return f.syncErr }
func (f *failingFile) Close() error { return nil }

func TestAppendFailureDoesNotAdvanceSequence(t *testing.T) {
	w := newTestWAL(t)
	real := w.file
	defer func() { w.file = real }()

	w.file = &failingFile{writeErr: errors.New("disk full")}
	err := w.Append(EventCreate, testJob("a", types.StatusPending), false)
	require.Error(t, err)
	assert.Equal(t, uint64(0), w.GetLastSeq())

	w.file = &failingFile{syncErr: errors.New("io")}
	err = w.Append(EventCreate, testJob("a", types.StatusPending), true)
	assert.ErrorIs(t, err, ErrSyncFailed)
}

func TestAppendAfterClose(t *testing.T) {
	w, err := NewWAL(filepath.Join(t.TempDir(), "dockq.wal"), false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.Append(EventCreate, testJob("a", types.StatusPending), false), ErrWALClosed)
	assert.NoError(t, w.Close())
}

func TestGetLastEventEmpty(t *testing.T) {
	_, err := GetLastEvent(filepath.Join(t.TempDir(), "missing.wal"))
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestValidateWALDetectsSequenceGap(t *testing.T) {
	w := newTestWAL(t)
	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending), false))
	require.NoError(t, w.Append(EventCreate, testJob("b", types.StatusPending), true))
	require.NoError(t, ValidateWAL(w.Path()))

	// Duplicate the file content: seq goes 1,2,1,2
	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(w.Path(), append(data, data...), 0o644))

	assert.ErrorIs(t, ValidateWAL(w.Path()), ErrCorruptedWAL)
}

func TestDumpWAL(t *testing.T) {
	w := newTestWAL(t)
	require.NoError(t, w.Append(EventCreate, testJob("job-1", types.StatusPending), false))
	require.NoError(t, w.Append(EventDelete, &types.DockingJob{ID: "job-1"}, true))

	var buf bytes.Buffer
	require.NoError(t, DumpWAL(w.Path(), &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[Seq:1] CREATE job-1 status=pending")
	assert.Contains(t, lines[1], "[Seq:2] DELETE job-1 status=-")
	assert.NotContains(t, buf.String(), "CORRUPTED")
}

func TestChecksumCoversRecord(t *testing.T) {
	a := CalculateChecksum(EventUpdate, "j", 1, []byte(`{"status":"pending"}`))
	b := CalculateChecksum(EventUpdate, "j", 1, []byte(`{"status":"failed"}`))
	c := CalculateChecksum(EventUpdate, "j", 2, []byte(`{"status":"pending"}`))
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}
