package session

import (
	"context"
	"errors"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/keel/internal/runtime"
	"github.com/berth-dev/keel/internal/testutil"
	"github.com/berth-dev/keel/internal/workitem"
)

func statePayloads(events []Event) []StatePayload {
	var out []StatePayload
	for _, e := range events {
		if e.Kind == EventSessionState {
			out = append(out, e.Payload.(StatePayload))
		}
	}
	return out
}

func TestTwoPhasesAutoContinue(t *testing.T) {
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 2))
	h.rt.Push(
		testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("Backend done. [[PHASE_COMPLETE: p1]]")}},
		testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("Frontend done. [[PHASE_COMPLETE: p2]]")}},
	)
	sink := &recordingSink{}
	require.NoError(t, h.m.RegisterClient("w1", sink))

	_, err := h.m.Start(context.Background(), "w1", StartOptions{PauseBetweenPhases: boolPtr(false)})
	require.NoError(t, err)

	snap := h.waitStatus(t, "w1", StatusCompleted)
	assert.Equal(t, workitem.StopAllComplete, snap.StopReason)
	assert.Equal(t, 100, snap.ProgressPercent)
	assert.Equal(t, "p2", snap.PhaseID)

	reqs := h.rt.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[0].Prompt, "Current phase: p1")
	assert.Contains(t, reqs[1].Prompt, "Current phase: p2")
	assert.Equal(t, h.dir, reqs[0].WorkDir)

	var sawHalfway bool
	for _, p := range statePayloads(sink.Events()) {
		if p.ProgressPercent == 50 && !p.Paused && p.NextPhaseID == "p2" {
			sawHalfway = true
		}
	}
	assert.True(t, sawHalfway, "expected a session_state at 50%% without pause")

	phases := sink.OfKind(EventPhaseComplete)
	require.Len(t, phases, 2)
	assert.Equal(t, PhaseCompletePayload{PhaseID: "p1", ProgressPercent: 50, NextPhaseID: "p2"}, phases[0].Payload)
	assert.Equal(t, PhaseCompletePayload{PhaseID: "p2", ProgressPercent: 100}, phases[1].Payload)

	require.Eventually(t, func() bool { return len(sink.OfKind(EventComplete)) == 1 }, time.Second, 5*time.Millisecond)

	item := h.store.Item("w1")
	assert.Equal(t, 100, item.Execution.ProgressPercent)
	assert.Equal(t, workitem.StopAllComplete, item.Execution.StopReason)

	// One assistant message per turn.
	require.Eventually(t, func() bool { return len(h.store.Messages("w1")) == 2 }, time.Second, 5*time.Millisecond)
}

func TestPhaseCompleteWithPauseWaitsForContinue(t *testing.T) {
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 2))
	h.rt.Push(
		testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("[[PHASE_COMPLETE: p1]]")}},
		testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("[[PHASE_COMPLETE: p2]]")}},
	)

	_, err := h.m.Start(context.Background(), "w1", StartOptions{PauseBetweenPhases: boolPtr(true)})
	require.NoError(t, err)

	snap := h.waitStatus(t, "w1", StatusPaused)
	assert.Equal(t, workitem.StopPhaseDone, snap.StopReason)
	assert.Equal(t, 50, snap.ProgressPercent)
	assert.Equal(t, "p2", snap.NextPhaseID)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.rt.Requests(), 1, "no turn starts while paused")

	s, _ := h.m.sessions.Get("w1")
	events := queued(s)
	require.Equal(t, 1, countKind(events, EventPhaseComplete))
	states := statePayloads(events)
	assert.True(t, states[len(states)-1].Paused)

	_, err = h.m.Continue(context.Background(), "w1")
	require.NoError(t, err)
	snap = h.waitStatus(t, "w1", StatusCompleted)
	assert.Equal(t, 100, snap.ProgressPercent)
	assert.True(t, snap.PauseBetweenPhases)
	require.Len(t, h.rt.Requests(), 2)
	assert.Contains(t, h.rt.Requests()[1].Prompt, "Current phase: p2")
}

func TestContinueKeepsOutputOfStillStreamingPausedTurn(t *testing.T) {
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 2))
	gate := make(chan struct{})
	h.rt.Push(
		testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("Backend work finished. [[PHASE_COMPLETE: p1]]")}, Gate: gate},
		testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("Frontend done. [[PHASE_COMPLETE: p2]]")}},
	)

	_, err := h.m.Start(context.Background(), "w1", StartOptions{PauseBetweenPhases: boolPtr(true)})
	require.NoError(t, err)
	h.waitStatus(t, "w1", StatusPaused)

	_, err = h.m.Continue(context.Background(), "w1")
	require.NoError(t, err)
	h.waitStatus(t, "w1", StatusCompleted)

	require.Eventually(t, func() bool { return len(h.store.Messages("w1")) == 2 }, time.Second, 5*time.Millisecond)
	msgs := h.store.Messages("w1")
	assert.Equal(t, workitem.RoleAssistant, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Backend work finished.")
	assert.Contains(t, msgs[1].Content, "Frontend done.")
}

func TestContinueRequiresPaused(t *testing.T) {
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 1))
	_, err := h.m.Continue(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	h.rt.Push(testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("hello")}})
	_, err = h.m.Start(context.Background(), "w1", StartOptions{})
	require.NoError(t, err)
	h.waitStatus(t, "w1", StatusCompleted)

	_, err = h.m.Continue(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrNotPaused)
}

func TestLastPhaseCompletesSession(t *testing.T) {
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 1))
	h.rt.Push(testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("All good. [[PHASE_COMPLETE: p1]]")}})

	_, err := h.m.Start(context.Background(), "w1", StartOptions{})
	require.NoError(t, err)

	snap := h.waitStatus(t, "w1", StatusCompleted)
	assert.Equal(t, workitem.StopAllComplete, snap.StopReason)
	assert.Equal(t, 100, snap.ProgressPercent)
	assert.Empty(t, snap.NextPhaseID)
}

func TestNaturalEndOfTurnWaitsForFeedback(t *testing.T) {
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 2))
	h.rt.Push(testutil.Turn{Chunks: []runtime.Chunk{
		testutil.Text("Looking around."),
		testutil.ToolUse("a", "Read", map[string]any{"file_path": "main.go"}),
		testutil.ToolResult("a", "package main"),
		testutil.Usage(120, 40),
		testutil.Result(runtime.SubtypeSuccess, ""),
	}})
	sink := &recordingSink{}
	require.NoError(t, h.m.RegisterClient("w1", sink))

	_, err := h.m.Start(context.Background(), "w1", StartOptions{})
	require.NoError(t, err)

	snap := h.waitStatus(t, "w1", StatusCompleted)
	assert.Equal(t, workitem.StopTurnComplete, snap.StopReason)
	assert.Equal(t, TokenUsage{InputTokens: 120, OutputTokens: 40}, snap.Tokens)
	assert.Zero(t, snap.PendingTools)

	require.Eventually(t, func() bool { return len(sink.OfKind(EventComplete)) == 1 }, time.Second, 5*time.Millisecond)
	complete := sink.OfKind(EventComplete)[0].Payload.(CompletePayload)
	assert.Equal(t, workitem.StopTurnComplete, complete.StopReason)

	assert.Len(t, sink.OfKind(EventToolStart), 1)
	require.Len(t, sink.OfKind(EventToolEnd), 1)
	end := sink.OfKind(EventToolEnd)[0].Payload.(ToolEndPayload)
	assert.Equal(t, "package main", end.Tool.Output)

	item := h.store.Item("w1")
	assert.True(t, item.Execution.WaitingForFeedback)

	msgs := h.store.Messages("w1")
	require.Len(t, msgs, 1)
	assert.Equal(t, complete.MessageID, msgs[0].ID)
	assert.Equal(t, "Looking around.", msgs[0].Content)
	assert.Len(t, msgs[0].ToolCalls, 1)
}

func TestStartRefusesWhileRunning(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 1))
	h.rt.Push(testutil.Turn{Gate: gate})

	_, err := h.m.Start(context.Background(), "w1", StartOptions{})
	require.NoError(t, err)
	_, err = h.m.Start(context.Background(), "w1", StartOptions{})
	assert.ErrorIs(t, err, ErrSessionRunning)
}

func TestStartErrors(t *testing.T) {
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 1), &workitem.WorkItem{ID: "empty"})

	_, err := h.m.Start(context.Background(), "missing", StartOptions{})
	assert.Error(t, err)

	_, err = h.m.Start(context.Background(), "empty", StartOptions{})
	assert.ErrorIs(t, err, ErrNoPhases)

	_, err = h.m.Start(context.Background(), "w1", StartOptions{PhaseID: "p9"})
	assert.ErrorIs(t, err, ErrPhaseNotFound)
	assert.Empty(t, h.rt.Requests())
}

func TestInvalidWorkdirFailsSession(t *testing.T) {
	item := testutil.WorkItem("w1", "/nonexistent/keel-workdir", 1)
	h := newHarness(t, nil, item)

	snap, err := h.m.Start(context.Background(), "w1", StartOptions{})
	require.ErrorIs(t, err, ErrInvalidWorkdir)
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, workitem.StopError, snap.StopReason)
	assert.Empty(t, h.rt.Requests())

	s, _ := h.m.sessions.Get("w1")
	assert.Equal(t, 1, countKind(queued(s), EventError))

	msgs := h.store.Messages("w1")
	require.Len(t, msgs, 1)
	assert.Equal(t, workitem.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Execution failed")
	assert.NotEmpty(t, h.store.Item("w1").Execution.LastError)
}

func TestRuntimeErrorFailsSession(t *testing.T) {
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 1))
	h.rt.Push(testutil.Turn{Chunks: []runtime.Chunk{
		testutil.Text("Starting."),
		{Type: runtime.ChunkError, Err: errors.New("claude exited: status 1")},
	}})

	_, err := h.m.Start(context.Background(), "w1", StartOptions{})
	require.NoError(t, err)

	snap := h.waitStatus(t, "w1", StatusError)
	assert.Contains(t, snap.LastError, "status 1")
	assert.Contains(t, h.store.Item("w1").Execution.LastError, "status 1")
}

func TestStreamStartFailureFailsSession(t *testing.T) {
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 1))
	h.rt.Push(testutil.Turn{Err: errors.New("claude not found")})

	_, err := h.m.Start(context.Background(), "w1", StartOptions{})
	require.NoError(t, err)

	snap := h.waitStatus(t, "w1", StatusError)
	assert.Contains(t, snap.LastError, "claude not found")
}

func TestAbortStopsRunningTurn(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 1))
	h.rt.Push(testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("partial")}, Gate: gate})

	_, err := h.m.Start(context.Background(), "w1", StartOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, _ := h.m.Status("w1")
		return snap.Accumulated == "partial"
	}, time.Second, 5*time.Millisecond)

	snap, err := h.m.Abort(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Equal(t, workitem.StopPausedByUser, snap.StopReason)
	assert.Empty(t, snap.Accumulated)

	s, _ := h.m.sessions.Get("w1")
	events := queued(s)
	last := events[len(events)-1]
	require.Equal(t, EventSessionState, last.Kind)
	assert.Equal(t, StatusIdle, last.Payload.(StatePayload).Status)

	// Nothing from the aborted turn is saved.
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.store.Messages("w1"))
	assert.Equal(t, workitem.StopPausedByUser, h.store.Item("w1").Execution.StopReason)

	// Aborting an idle session is a no-op.
	snap, err = h.m.Abort(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, snap.Status)

	_, err = h.m.Abort(context.Background(), "other")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestBlockedThenResumedByMessage(t *testing.T) {
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 1))
	h.rt.Push(
		testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("Stuck. [[TASK_COMPLETE: t1]] [[BLOCKED: missing credentials | Which account?]]")}},
		testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("Thanks. [[TASK_COMPLETE: t1]] [[TASK_COMPLETE: t2]]")}},
	)
	sink := &recordingSink{}
	require.NoError(t, h.m.RegisterClient("w1", sink))

	_, err := h.m.Start(context.Background(), "w1", StartOptions{})
	require.NoError(t, err)

	snap := h.waitStatus(t, "w1", StatusBlocked)
	assert.Equal(t, workitem.StopNeedsInput, snap.StopReason)
	require.NotNil(t, snap.Block)
	assert.Equal(t, "missing credentials", snap.Block.Reason)
	assert.Equal(t, "Which account?", snap.Block.Question)
	assert.True(t, h.store.Item("w1").Execution.WaitingForFeedback)
	require.Len(t, sink.OfKind(EventBlocked), 1)

	_, err = h.m.Continue(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrNotPaused)

	_, err = h.m.SendMessage(context.Background(), "w1", "Use the staging account", "u2")
	require.NoError(t, err)

	snap = h.waitStatus(t, "w1", StatusCompleted)
	assert.Equal(t, "u2", snap.UserID)
	assert.Equal(t, []string{"t1", "t2"}, snap.ProcessedTaskIDs)

	reqs := h.rt.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Use the staging account", reqs[1].Prompt)

	// t1 was already handled before the block.
	require.Eventually(t, func() bool { return len(sink.OfKind(EventTaskComplete)) == 2 }, time.Second, 5*time.Millisecond)

	var roles []string
	for _, msg := range h.store.Messages("w1") {
		roles = append(roles, msg.Role)
	}
	assert.Equal(t, []string{workitem.RoleAssistant, workitem.RoleUser, workitem.RoleAssistant}, roles)
}

func TestResumeRequiresBlocked(t *testing.T) {
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 1))
	_, err := h.m.ResumeWithFeedback(context.Background(), "w1", "hi", "")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	h.rt.Push(testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("done")}})
	_, err = h.m.Start(context.Background(), "w1", StartOptions{})
	require.NoError(t, err)
	h.waitStatus(t, "w1", StatusCompleted)

	_, err = h.m.ResumeWithFeedback(context.Background(), "w1", "hi", "")
	assert.ErrorIs(t, err, ErrNotBlocked)
}

func TestSendMessageWhileRunningOnlyPersists(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 1))
	h.rt.Push(testutil.Turn{Gate: gate})

	_, err := h.m.Start(context.Background(), "w1", StartOptions{})
	require.NoError(t, err)

	snap, err := h.m.SendMessage(context.Background(), "w1", "also add tests", "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Len(t, h.rt.Requests(), 1)

	msgs := h.store.Messages("w1")
	require.Len(t, msgs, 1)
	assert.Equal(t, workitem.RoleUser, msgs[0].Role)
	assert.Equal(t, "also add tests", msgs[0].Content)
}

func TestSendMessageStartsFirstIncompletePhase(t *testing.T) {
	item := testutil.WorkItem("w1", "", 2)
	for i := range item.Phases[0].Tasks {
		item.Phases[0].Tasks[i].Completed = true
	}
	h := newHarness(t, nil, item)

	snap, err := h.m.SendMessage(context.Background(), "w1", "please start", "u1")
	require.NoError(t, err)
	assert.Equal(t, "p2", snap.PhaseID)
	assert.False(t, snap.PauseBetweenPhases)

	reqs := h.rt.Requests()
	require.Eventually(t, func() bool { reqs = h.rt.Requests(); return len(reqs) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, reqs[0].Prompt, "Current phase: p2")
	assert.Contains(t, reqs[0].Prompt, "please start")
}

func TestMailboxCarriesOverToNextPhase(t *testing.T) {
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 2))
	h.rt.Push(
		testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("first [[PHASE_COMPLETE: p1]]")}},
		testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("second [[PHASE_COMPLETE: p2]]")}},
	)

	_, err := h.m.Start(context.Background(), "w1", StartOptions{PauseBetweenPhases: boolPtr(false)})
	require.NoError(t, err)
	h.waitStatus(t, "w1", StatusCompleted)
	require.Eventually(t, func() bool {
		s, _ := h.m.sessions.Get("w1")
		return countKind(queued(s), EventComplete) == 1
	}, time.Second, 5*time.Millisecond)

	sink := &recordingSink{}
	require.NoError(t, h.m.RegisterClient("w1", sink))

	var texts []string
	for _, e := range sink.OfKind(EventTextChunk) {
		texts = append(texts, e.Payload.(TextChunkPayload).Text)
	}
	assert.Equal(t, []string{"first [[PHASE_COMPLETE: p1]]", "second [[PHASE_COMPLETE: p2]]"}, texts)
	assert.Equal(t, 2, len(sink.OfKind(EventPhaseComplete)))

	s, _ := h.m.sessions.Get("w1")
	assert.Empty(t, queued(s))
}

func TestReapEvictsIdleDisconnectedSessions(t *testing.T) {
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 1), testutil.WorkItem("w2", "", 1))
	h.rt.Push(
		testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("one")}},
		testutil.Turn{Chunks: []runtime.Chunk{testutil.Text("two")}},
	)

	_, err := h.m.Start(context.Background(), "w1", StartOptions{})
	require.NoError(t, err)
	h.waitStatus(t, "w1", StatusCompleted)
	_, err = h.m.Start(context.Background(), "w2", StartOptions{})
	require.NoError(t, err)
	h.waitStatus(t, "w2", StatusCompleted)
	require.NoError(t, h.m.RegisterClient("w2", &recordingSink{}))

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.m.Reap(time.Hour))
	assert.Equal(t, 1, h.m.Reap(10*time.Millisecond))

	_, ok := h.m.Status("w1")
	assert.False(t, ok)
	_, ok = h.m.Status("w2")
	assert.True(t, ok)
	assert.Len(t, h.m.Sessions(), 1)
}

func TestTurnMetrics(t *testing.T) {
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 1))
	h.rt.Push(testutil.Turn{Chunks: []runtime.Chunk{
		testutil.ToolUse("a", "Bash", nil),
		testutil.ToolResult("a", "ok"),
		testutil.Text("[[NEW_IDEA: Faster builds]]"),
	}})

	_, err := h.m.Start(context.Background(), "w1", StartOptions{})
	require.NoError(t, err)
	h.waitStatus(t, "w1", StatusCompleted)

	metrics := h.m.metrics
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(metrics.turns.WithLabelValues("completed")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(0), promtest.ToFloat64(metrics.active))
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.directives.WithLabelValues("new_idea")))
	assert.Equal(t, 1, promtest.CollectAndCount(metrics.toolDuration))
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.events.WithLabelValues(string(EventToolStart), "queued")))
}

func TestCloseCancelsRunningTurns(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, nil, testutil.WorkItem("w1", "", 1))
	h.rt.Push(testutil.Turn{Gate: gate})

	_, err := h.m.Start(context.Background(), "w1", StartOptions{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
