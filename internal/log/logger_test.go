package log

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	logger, err := NewLogger(dir)
	require.NoError(t, err)

	require.NoError(t, logger.Append(LogEvent{Event: EventSessionStarted, WorkItemID: "wi-1", PhaseID: "p1"}))
	require.NoError(t, logger.Append(LogEvent{Event: EventPhaseCompleted, WorkItemID: "wi-1", PhaseID: "p1", Progress: 50}))

	events, err := logger.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventSessionStarted, events[0].Event)
	assert.False(t, events[0].Time.IsZero())
	assert.Equal(t, 50, events[1].Progress)
}

func TestReadAllMissingFile(t *testing.T) {
	logger, err := NewLogger(t.TempDir())
	require.NoError(t, err)

	events, err := logger.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReadAllMalformedLine(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(logger.Path(), []byte("{not json}\n"), 0644))

	_, err = logger.ReadAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestForWorkItemFilters(t *testing.T) {
	logger, err := NewLogger(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, logger.Append(LogEvent{Event: EventSessionStarted, WorkItemID: "a"}))
	require.NoError(t, logger.Append(LogEvent{Event: EventSessionStarted, WorkItemID: "b"}))
	require.NoError(t, logger.Append(LogEvent{Event: EventSessionError, WorkItemID: "a", Error: "boom"}))

	events, err := logger.ForWorkItem("a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "boom", events[1].Error)
}

func TestConcurrentAppend(t *testing.T) {
	logger, err := NewLogger(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = logger.Append(LogEvent{Event: EventTurnFlushed, WorkItemID: "x"})
		}()
	}
	wg.Wait()

	events, err := logger.ReadAll()
	require.NoError(t, err)
	assert.Len(t, events, 20)
}

func TestNilLoggerDiscards(t *testing.T) {
	var logger *Logger
	assert.NoError(t, logger.Append(LogEvent{Event: EventSessionStarted}))
}
