package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/keel/internal/config"
	"github.com/berth-dev/keel/internal/runtime"
	"github.com/berth-dev/keel/internal/testutil"
	"github.com/berth-dev/keel/internal/workitem"
)

func TestMailboxTrimKeepsMostRecent(t *testing.T) {
	mb := newMailbox(1000, 500)
	for i := 1; i <= 1000; i++ {
		assert.Zero(t, mb.push(Event{MessageID: fmt.Sprint(i)}))
	}
	assert.Equal(t, 1000, mb.len())

	dropped := mb.push(Event{MessageID: "1001"})
	assert.Equal(t, 501, dropped)
	require.Equal(t, 500, mb.len())
	for i, e := range mb.events {
		assert.Equal(t, fmt.Sprint(502+i), e.MessageID)
	}
}

func TestDispatchQueuesAndReplaysInOrder(t *testing.T) {
	h := newHarness(t, nil)
	s := h.runningSession("w1")

	s.mu.Lock()
	for i := 0; i < 5; i++ {
		h.m.dispatchOrQueue(s, Event{Kind: EventTextChunk, MessageID: fmt.Sprint(i)})
	}
	s.mu.Unlock()
	require.Len(t, queued(s), 5)

	sink := &recordingSink{}
	require.NoError(t, h.m.RegisterClient("w1", sink))

	events := sink.Events()
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, fmt.Sprint(i), e.MessageID)
		assert.Equal(t, "w1", e.WorkItemID)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Empty(t, queued(s))

	snap, _ := h.m.Status("w1")
	assert.True(t, snap.ClientConnected)

	// Live delivery after attach, nothing queued.
	s.mu.Lock()
	h.m.dispatchOrQueue(s, Event{Kind: EventTextChunk, MessageID: "live"})
	s.mu.Unlock()
	assert.Len(t, sink.Events(), 6)
	assert.Empty(t, queued(s))
}

func TestDetachQueuesAgain(t *testing.T) {
	h := newHarness(t, nil)
	s := h.runningSession("w1")
	sink := &recordingSink{}
	require.NoError(t, h.m.RegisterClient("w1", sink))

	h.m.UnregisterClient("w1", sink)
	snap, _ := h.m.Status("w1")
	assert.False(t, snap.ClientConnected)

	s.mu.Lock()
	h.m.dispatchOrQueue(s, Event{Kind: EventTextChunk})
	s.mu.Unlock()
	assert.Empty(t, sink.Events())
	assert.Len(t, queued(s), 1)
}

func TestFailingSinkIsDetachedAndEventQueued(t *testing.T) {
	h := newHarness(t, nil)
	s := h.runningSession("w1")
	sink := &recordingSink{}
	require.NoError(t, h.m.RegisterClient("w1", sink))
	sink.fail = true

	s.mu.Lock()
	h.m.dispatchOrQueue(s, Event{Kind: EventTextChunk, MessageID: "x"})
	s.mu.Unlock()

	assert.False(t, h.m.sinks.Has("w1"))
	require.Len(t, queued(s), 1)
	assert.Equal(t, "x", queued(s)[0].MessageID)
}

func TestToolInvocationsMatchResultsFIFO(t *testing.T) {
	h := newHarness(t, nil)
	s := h.runningSession("w1")

	const n = 4
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		require.NoError(t, h.m.consume(s, testutil.ToolUse("", fmt.Sprintf("Tool%d", i), map[string]any{"i": i})))
	}
	require.Len(t, s.pendingTools, n)
	for i := 0; i < n; i++ {
		require.NoError(t, h.m.consume(s, testutil.ToolResult("", fmt.Sprintf("out%d", i))))
	}

	assert.Empty(t, s.pendingTools)
	require.Len(t, s.completedTools, n)
	for i, c := range s.completedTools {
		assert.Equal(t, fmt.Sprintf("Tool%d", i), c.Name)
		assert.Equal(t, fmt.Sprintf("out%d", i), c.Output)
		assert.GreaterOrEqual(t, c.DurationMs, int64(0))
		assert.False(t, c.EndTime.Before(c.StartTime))
	}
	require.Len(t, s.segments, n)
	assert.Equal(t, "tool", s.segments[0].Type)
}

func TestToolResultsCorrelateByID(t *testing.T) {
	h := newHarness(t, nil)
	s := h.runningSession("w1")

	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, h.m.consume(s, testutil.ToolUse("a", "Read", nil)))
	require.NoError(t, h.m.consume(s, testutil.ToolUse("b", "Bash", nil)))
	require.NoError(t, h.m.consume(s, testutil.ToolResult("b", "bash output")))

	require.Len(t, s.pendingTools, 1)
	assert.Equal(t, "a", s.pendingTools[0].id)
	require.Len(t, s.completedTools, 1)
	assert.Equal(t, "Bash", s.completedTools[0].Name)

	// Unknown id falls back to the oldest pending invocation.
	require.NoError(t, h.m.consume(s, testutil.ToolResult("zzz", "read output")))
	assert.Empty(t, s.pendingTools)
	assert.Equal(t, "Read", s.completedTools[1].Name)
}

func TestTextCompletesPendingTools(t *testing.T) {
	h := newHarness(t, nil)
	s := h.runningSession("w1")

	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, h.m.consume(s, testutil.Text("Let me look.")))
	require.NoError(t, h.m.consume(s, testutil.ToolUse("a", "Read", map[string]any{"file_path": "x.go"})))
	require.NoError(t, h.m.consume(s, testutil.Text("Found it.")))

	assert.Empty(t, s.pendingTools)
	require.Len(t, s.segments, 3)
	assert.Equal(t, "text", s.segments[0].Type)
	assert.Equal(t, "tool", s.segments[1].Type)
	assert.Equal(t, "Read", s.segments[1].Tool.Name)
	assert.Equal(t, "text", s.segments[2].Type)
	assert.Equal(t, "Let me look.\n\nFound it.", s.accumulated)

	// A later result for the already completed tool is ignored.
	require.NoError(t, h.m.consume(s, testutil.ToolResult("a", "late")))
	assert.Len(t, s.completedTools, 1)
}

func TestParagraphBreakHeuristic(t *testing.T) {
	h := newHarness(t, nil)
	s := h.runningSession("w1")

	s.mu.Lock()
	require.NoError(t, h.m.consume(s, testutil.Text("Done.")))
	require.NoError(t, h.m.consume(s, testutil.Text("Next step.")))
	s.mu.Unlock()
	assert.Equal(t, "Done.\n\nNext step.", s.accumulated)
	require.Len(t, s.segments, 1)
	assert.Equal(t, s.accumulated, s.segments[0].Text)

	tests := []struct {
		prev, next, want string
	}{
		{"Done.", "Next", "\n\nNext"},
		{"Really?  ", "Yes", "\n\nYes"},
		{"Steps:", "First", "\n\nFirst"},
		{"Wow!", "Great", "\n\nGreat"},
		{"Done.\n", "Next", "Next"},
		{"Done.\n ", "Next", "\n\nNext"},
		{"Done.", "next", "next"},
		{"Done", "Next", "Next"},
		{"e.g.", " Then", " Then"},
		{"", "Start", "Start"},
	}
	for _, tt := range tests {
		t.Run(tt.prev+"|"+tt.next, func(t *testing.T) {
			assert.Equal(t, tt.want, paragraphBreak(tt.prev, tt.next))
		})
	}
}

func TestToolOutputTruncated(t *testing.T) {
	h := newHarness(t, nil)
	s := h.runningSession("w1")

	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, h.m.consume(s, testutil.ToolUse("a", "Bash", nil)))
	require.NoError(t, h.m.consume(s, testutil.ToolResult("a", strings.Repeat("x", 800))))

	out := s.completedTools[0].Output
	assert.Equal(t, strings.Repeat("x", 500)+"...", out)
	assert.Equal(t, "short", truncate("short", 500))
}

func TestZeroConfigStillTruncatesToolOutput(t *testing.T) {
	st := testutil.NewMemoryStore()
	m, err := NewManager(Options{Runtime: testutil.NewScriptedRuntime(), Entities: st, Chat: st})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	assert.Equal(t, 500, m.cfg.ToolOutputLimit)

	s := newSession("w1", "p1", "", false, newMailbox(m.cfg.MailboxLimit, m.cfg.MailboxTrimTo), time.Now())
	s.status = StatusRunning
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, m.consume(s, testutil.ToolUse("a", "Bash", nil)))
	require.NoError(t, m.consume(s, testutil.ToolResult("a", strings.Repeat("y", 800))))
	assert.Equal(t, strings.Repeat("y", 500)+"...", s.completedTools[0].Output)
}

func TestUsageOnlyOverwritesReportedCounters(t *testing.T) {
	h := newHarness(t, nil)
	s := h.runningSession("w1")

	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, h.m.consume(s, testutil.Usage(100, 20)))
	require.NoError(t, h.m.consume(s, testutil.Usage(0, 35)))
	assert.Equal(t, TokenUsage{InputTokens: 100, OutputTokens: 35}, s.tokens)

	var usage int
	for _, e := range s.mailbox.events {
		if e.Kind == EventTokenUsage {
			usage++
		}
	}
	assert.Equal(t, 2, usage)
}

func TestResultAdoptsTextWhenTurnHadNone(t *testing.T) {
	h := newHarness(t, nil)
	s := h.runningSession("w1")

	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, h.m.consume(s, testutil.Result(runtime.SubtypeSuccess, "All done.")))
	assert.Equal(t, "All done.", s.accumulated)

	s2 := h.runningSession("w2")
	s2.mu.Lock()
	defer s2.mu.Unlock()
	require.NoError(t, h.m.consume(s2, testutil.Text("Streamed.")))
	require.NoError(t, h.m.consume(s2, testutil.Result(runtime.SubtypeSuccess, "Summary")))
	assert.Equal(t, "Streamed.", s2.accumulated)
}

func TestFailedResultReturnsError(t *testing.T) {
	h := newHarness(t, nil)
	s := h.runningSession("w1")

	s.mu.Lock()
	defer s.mu.Unlock()
	err := h.m.consume(s, testutil.Result(runtime.SubtypeErrorMaxTurns, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error_max_turns")
}

func TestTaskCompleteEmittedOncePerTask(t *testing.T) {
	item := testutil.WorkItem("w1", "", 2)
	h := newHarness(t, nil, item)
	s := h.runningSession("w1")

	s.mu.Lock()
	require.NoError(t, h.m.consume(s, testutil.Text("Working. [[TASK_COMPLETE: t1]]")))
	require.NoError(t, h.m.consume(s, testutil.Text(" still here")))
	// Re-scanning the same text must not re-emit.
	h.m.scanDirectives(s)
	h.m.scanDirectives(s)
	require.NoError(t, h.m.consume(s, testutil.Text(" [[TASK_COMPLETE: t2]]")))
	events := append([]Event(nil), s.mailbox.events...)
	s.mu.Unlock()

	var completed []string
	for _, e := range events {
		if e.Kind == EventTaskComplete {
			completed = append(completed, e.Payload.(TaskPayload).TaskID)
		}
	}
	assert.Equal(t, []string{"t1", "t2"}, completed)

	stored := h.store.Item("w1")
	task, _, _ := stored.FindTask("t1")
	assert.True(t, task.Completed)
	assert.True(t, stored.Phases[0].Complete())
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestDirectiveDedupPolicy(t *testing.T) {
	tests := []struct {
		policy string
		want   int
	}{
		{config.DedupAll, 1},
		{config.DedupTasks, 3},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			item := testutil.WorkItem("w1", "", 1)
			h := newHarness(t, func(c *config.SessionConfig) { c.DirectiveDedup = tt.policy }, item)
			s := h.runningSession("w1")

			s.mu.Lock()
			require.NoError(t, h.m.consume(s, testutil.Text("[[NEW_IDEA: Cache the index | too slow]]")))
			require.NoError(t, h.m.consume(s, testutil.Text(" more")))
			require.NoError(t, h.m.consume(s, testutil.Text(" text")))
			events := append([]Event(nil), s.mailbox.events...)
			s.mu.Unlock()

			assert.Equal(t, tt.want, countKind(events, EventNewIdea))
			assert.Len(t, h.store.Ideas("w1"), tt.want)
		})
	}
}

func TestRepeatedMarkerInSameTurnStillCounts(t *testing.T) {
	item := testutil.WorkItem("w1", "", 1)
	h := newHarness(t, nil, item)
	s := h.runningSession("w1")

	s.mu.Lock()
	require.NoError(t, h.m.consume(s, testutil.Text("[[NEW_IDEA: A]]")))
	require.NoError(t, h.m.consume(s, testutil.Text(" [[NEW_IDEA: A]]")))
	events := append([]Event(nil), s.mailbox.events...)
	s.mu.Unlock()

	// Two distinct occurrences, each acted on once.
	assert.Equal(t, 2, countKind(events, EventNewIdea))
}

func TestTaskUpdateAppliesCompletionFlag(t *testing.T) {
	item := testutil.WorkItem("w1", "", 1)
	item.Phases[0].Tasks[0].Completed = true
	h := newHarness(t, nil, item)
	s := h.runningSession("w1")

	s.mu.Lock()
	require.NoError(t, h.m.consume(s, testutil.Text("[[TASK_UPDATE: t1 | undone]]")))
	events := append([]Event(nil), s.mailbox.events...)
	s.mu.Unlock()

	require.Equal(t, 1, countKind(events, EventTaskUpdate))
	task, _, _ := h.store.Item("w1").FindTask("t1")
	assert.False(t, task.Completed)
}

func TestFlushPersistsOneAssistantMessage(t *testing.T) {
	item := testutil.WorkItem("w1", "", 1)
	h := newHarness(t, nil, item)
	s := h.runningSession("w1")

	s.mu.Lock()
	require.NoError(t, h.m.consume(s, testutil.Text("Reading.")))
	require.NoError(t, h.m.consume(s, testutil.ToolUse("a", "Read", nil)))
	require.NoError(t, h.m.consume(s, testutil.ToolResult("a", "ok")))
	id, ok := h.m.flush(s)
	_, again := h.m.flush(s)
	s.mu.Unlock()

	require.True(t, ok)
	assert.False(t, again)
	msgs := h.store.Messages("w1")
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, "assistant", msgs[0].Role)
	assert.Equal(t, "Reading.", msgs[0].Content)
	assert.Len(t, msgs[0].Segments, 2)
	assert.Len(t, msgs[0].ToolCalls, 1)
	assert.Empty(t, s.accumulated)
	assert.Empty(t, s.segments)
}

// flakyEntities fails the next failGets work item loads.
type flakyEntities struct {
	*testutil.MemoryStore
	mu       sync.Mutex
	failGets int
}

func (f *flakyEntities) GetWorkItem(ctx context.Context, id string) (*workitem.WorkItem, error) {
	f.mu.Lock()
	if f.failGets > 0 {
		f.failGets--
		f.mu.Unlock()
		return nil, errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.MemoryStore.GetWorkItem(ctx, id)
}

func TestPhaseCompleteRetriedAfterLoadFailure(t *testing.T) {
	st := testutil.NewMemoryStore(testutil.WorkItem("w1", t.TempDir(), 2))
	ents := &flakyEntities{MemoryStore: st, failGets: 1}
	m, err := NewManager(Options{Runtime: testutil.NewScriptedRuntime(), Entities: ents, Chat: st})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	s := newSession("w1", "p1", "", false, newMailbox(m.cfg.MailboxLimit, m.cfg.MailboxTrimTo), time.Now())
	s.status = StatusRunning
	s.turnID = "turn-1"
	m.sessions.Set("w1", s)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, m.consume(s, testutil.Text("Backend done. [[PHASE_COMPLETE: p1]]")))
	assert.Zero(t, countKind(s.mailbox.events, EventPhaseComplete))

	require.NoError(t, m.consume(s, testutil.Text(" Checking.")))
	require.NoError(t, m.consume(s, testutil.Text(" ok")))
	assert.Equal(t, 1, countKind(s.mailbox.events, EventPhaseComplete))
	assert.Equal(t, "p2", s.continueWith)
}
