// Package session runs background execution sessions for work items.
//
// A session owns at most one live turn at a time. Each turn is consumed by a
// single goroutine that turns runtime chunks into events, persisted chat
// history, and task/phase progress. Events are delivered to the attached
// client sink, or queued in the session's mailbox until one attaches.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/berth-dev/keel/internal/workitem"
)

// Status is the session state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the status can only be left through an explicit
// lifecycle call that starts a new turn.
func (s Status) Terminal() bool {
	return s == StatusIdle || s == StatusCompleted || s == StatusError
}

// TokenUsage is the running token count of a session.
type TokenUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// BlockInfo is surfaced to the user while a session is blocked.
type BlockInfo struct {
	Reason   string    `json:"reason"`
	Question string    `json:"question,omitempty"`
	At       time.Time `json:"at"`
}

// pendingTool is a tool invocation still waiting for its result.
type pendingTool struct {
	id        string
	name      string
	input     any
	startTime time.Time
}

// Session is the in-memory record of one work item's execution. All fields
// are guarded by mu. The consumption loop holds mu while handling a chunk.
type Session struct {
	mu sync.Mutex

	workItemID string
	phaseID    string
	userID     string

	status     Status
	stopReason string
	startedAt  time.Time
	lastActive time.Time

	accumulated     string
	segments        []workitem.Segment
	pendingTools    []pendingTool
	completedTools  []workitem.ToolCall
	processedTasks  map[string]bool
	completedPhases map[string]bool
	// turnDirectives holds dedup keys of non-task directives seen this turn.
	turnDirectives map[string]bool

	mailbox         *mailbox
	clientConnected bool

	tokens             TokenUsage
	pauseBetweenPhases bool
	progressPercent    int
	nextPhaseID        string
	continueWith       string
	block              *BlockInfo
	lastError          string

	turnID string
	turn   *turn
}

// turn is one consumption loop over a runtime stream.
type turn struct {
	ctx    context.Context
	cancel context.CancelFunc
	// active is true until the loop ends, fails, or is aborted.
	active bool
}

// liveLoop reports whether a consumption loop still owns the session.
// Must be called with s.mu held.
func (s *Session) liveLoop() bool {
	return s.turn != nil && s.turn.active
}

func newSession(workItemID, phaseID, userID string, pause bool, mb *mailbox, now time.Time) *Session {
	return &Session{
		workItemID:         workItemID,
		phaseID:            phaseID,
		userID:             userID,
		status:             StatusIdle,
		startedAt:          now,
		lastActive:         now,
		processedTasks:     make(map[string]bool),
		completedPhases:    make(map[string]bool),
		turnDirectives:     make(map[string]bool),
		mailbox:            mb,
		pauseBetweenPhases: pause,
	}
}

// resetTurn clears the per-turn buffers after a flush or before a new turn.
func (s *Session) resetTurn() {
	s.accumulated = ""
	s.segments = nil
	s.completedTools = nil
	s.turnDirectives = make(map[string]bool)
}

// Snapshot is a point-in-time copy of a session's observable state.
type Snapshot struct {
	WorkItemID         string     `json:"workItemId"`
	PhaseID            string     `json:"phaseId"`
	UserID             string     `json:"userId,omitempty"`
	Status             Status     `json:"status"`
	StopReason         string     `json:"stopReason"`
	StartedAt          time.Time  `json:"startedAt"`
	LastActive         time.Time  `json:"lastActive"`
	PauseBetweenPhases bool       `json:"pauseBetweenPhases"`
	ProgressPercent    int        `json:"progressPercent"`
	NextPhaseID        string     `json:"nextPhaseId,omitempty"`
	ClientConnected    bool       `json:"clientConnected"`
	QueuedEvents       int        `json:"queuedEvents"`
	PendingTools       int        `json:"pendingTools"`
	Tokens             TokenUsage `json:"tokens"`
	Block              *BlockInfo `json:"block,omitempty"`
	LastError          string     `json:"lastError,omitempty"`
	Accumulated        string     `json:"accumulated,omitempty"`
	ProcessedTaskIDs   []string   `json:"processedTaskIds,omitempty"`
}

// snapshot must be called with s.mu held.
func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		WorkItemID:         s.workItemID,
		PhaseID:            s.phaseID,
		UserID:             s.userID,
		Status:             s.status,
		StopReason:         s.stopReason,
		StartedAt:          s.startedAt,
		LastActive:         s.lastActive,
		PauseBetweenPhases: s.pauseBetweenPhases,
		ProgressPercent:    s.progressPercent,
		NextPhaseID:        s.nextPhaseID,
		ClientConnected:    s.clientConnected,
		QueuedEvents:       s.mailbox.len(),
		PendingTools:       len(s.pendingTools),
		Tokens:             s.tokens,
		LastError:          s.lastError,
		Accumulated:        s.accumulated,
	}
	if s.block != nil {
		b := *s.block
		snap.Block = &b
	}
	for id := range s.processedTasks {
		snap.ProcessedTaskIDs = append(snap.ProcessedTaskIDs, id)
	}
	sort.Strings(snap.ProcessedTaskIDs)
	return snap
}
