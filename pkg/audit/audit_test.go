package audit

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFillsDefaults(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	require.NoError(t, l.Log(Event{Type: EventSchemaChange, ResourceID: "status", Success: true}))
	require.NoError(t, l.Log(Event{Type: EventGeneIngest, ResourceID: "g-1", Success: true}))

	events, skipped, err := Read(&buf, Query{})
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, events, 2)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestDisabledAndNilLoggerDrop(t *testing.T) {
	l, err := NewLogger(Config{})
	require.NoError(t, err)
	assert.NoError(t, l.Log(Event{Type: EventSeed}))
	assert.NoError(t, l.Close())

	var nilLogger *Logger
	assert.NoError(t, nilLogger.Log(Event{Type: EventSeed}))
	assert.NoError(t, nilLogger.Close())
}

func TestFileRoundTripAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	l, err := NewLogger(Config{Enabled: true, LogPath: path, SyncWrites: true})
	require.NoError(t, err)

	require.NoError(t, l.Log(Event{Type: EventIndexRebuild, Success: true}))
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Log(Event{Type: EventIndexRebuild}), ErrClosed)
	assert.NoError(t, l.Close(), "second close is a no-op")

	events, _, err := ReadFile(path, Query{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventIndexRebuild, events[0].Type)
}

func TestNewLoggerRequiresPath(t *testing.T) {
	_, err := NewLogger(Config{Enabled: true})
	assert.Error(t, err)
}

func TestQuery(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, typ := range []EventType{EventLoginFailed, EventSchemaChange, EventGeneIngest, EventSchemaResume, EventSchemaChange} {
		require.NoError(t, l.Log(Event{
			Type:       typ,
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
			ResourceID: map[bool]string{true: "status", false: "x"}[typ != EventGeneIngest],
		}))
	}
	data := buf.String() + "not json\n\n"

	events, skipped, err := Read(strings.NewReader(data), Query{Types: []EventType{EventSchemaChange, EventSchemaResume}})
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Len(t, events, 3)

	events, _, err = Read(strings.NewReader(data), Query{StartTime: base.Add(90 * time.Minute), EndTime: base.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventGeneIngest, events[0].Type)

	events, _, err = Read(strings.NewReader(data), Query{ResourceID: "x"})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	events, _, err = Read(strings.NewReader(data), Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventSchemaResume, events[0].Type, "limit keeps the most recent")
}

func TestReadFileMissing(t *testing.T) {
	_, _, err := ReadFile(filepath.Join(t.TempDir(), "nope.log"), Query{})
	assert.Error(t, err)
}
