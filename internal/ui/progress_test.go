package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/keel/internal/testutil"
)

func TestPlainProgressPrintsTransitionsOnce(t *testing.T) {
	var buf bytes.Buffer
	item := testutil.WorkItem("w1", "", 2)
	p := NewProgressDisplay(&buf, item)
	require.False(t, p.isTTY)

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	p.Start()
	assert.Empty(t, buf.String(), "pending phases are not printed")

	p.SetPhase("p1", PhaseRunning)
	p.SetPhase("p1", PhaseRunning)
	p.TaskDone("p1")
	clock = clock.Add(95 * time.Second)
	p.SetPhase("p1", PhaseDone)
	p.SetPhase("p2", PhaseBlocked)
	p.SetPhase("unknown", PhaseFailed)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"[RUNNING 0/2 tasks] p1: Phase 1",
		"[DONE [1m35s]] p1: Phase 1",
		"[BLOCKED] p2: Phase 2",
	}, lines)
}

func TestFinishSummarizesPhases(t *testing.T) {
	var buf bytes.Buffer
	item := testutil.WorkItem("w1", "", 3)
	p := NewProgressDisplay(&buf, item)

	p.SetPhase("p1", PhaseDone)
	p.SetPhase("p2", PhasePaused)
	p.SetProgress(67)
	p.Print("some text\n")
	p.Finish("paused")

	out := buf.String()
	assert.Contains(t, out, "some text\n")
	assert.Contains(t, out, "paused: 2/3 phases, 67%")
}

func TestCompletedPhasesStartDone(t *testing.T) {
	item := testutil.WorkItem("w1", "", 2)
	for i := range item.Phases[0].Tasks {
		item.Phases[0].Tasks[i].Completed = true
	}
	p := NewProgressDisplay(&bytes.Buffer{}, item)
	assert.Equal(t, PhaseDone, p.phases[0].Status)
	assert.Equal(t, 2, p.phases[0].TasksDone)
	assert.Equal(t, PhasePending, p.phases[1].Status)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m3s", formatDuration(123*time.Second))
	assert.Equal(t, "1h1m1s", formatDuration(time.Hour+time.Minute+time.Second))
}
