package session

import (
	"time"

	"github.com/berth-dev/keel/internal/workitem"
)

// EventKind tags an outbound event.
type EventKind string

const (
	EventTextChunk     EventKind = "text_chunk"
	EventTaskComplete  EventKind = "task_complete"
	EventPhaseComplete EventKind = "phase_complete"
	EventBlocked       EventKind = "blocked"
	EventNewIdea       EventKind = "new_idea"
	EventTaskUpdate    EventKind = "task_update"
	EventToolStart     EventKind = "tool_start"
	EventToolEnd       EventKind = "tool_end"
	EventComplete      EventKind = "complete"
	EventError         EventKind = "error"
	EventTokenUsage    EventKind = "token_usage"
	EventSessionState  EventKind = "session_state"
)

// Event is delivered to a client sink or queued in the mailbox.
type Event struct {
	Kind       EventKind `json:"type"`
	WorkItemID string    `json:"workItemId"`
	MessageID  string    `json:"messageId,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TextChunkPayload carries one appended piece of assistant text.
type TextChunkPayload struct {
	Text string `json:"text"`
}

// ToolStartPayload announces a tool invocation.
type ToolStartPayload struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Input any    `json:"input,omitempty"`
}

// ToolEndPayload carries the completed tool call.
type ToolEndPayload struct {
	Tool workitem.ToolCall `json:"tool"`
}

// TaskPayload is used by task_complete and task_update.
type TaskPayload struct {
	TaskID    string `json:"taskId"`
	PhaseID   string `json:"phaseId,omitempty"`
	Completed bool   `json:"completed"`
}

// PhaseCompletePayload reports a finished phase.
type PhaseCompletePayload struct {
	PhaseID         string `json:"phaseId"`
	NextPhaseID     string `json:"nextPhaseId,omitempty"`
	ProgressPercent int    `json:"progressPercent"`
}

// CompletePayload closes a turn.
type CompletePayload struct {
	StopReason string `json:"stopReason"`
	MessageID  string `json:"messageId,omitempty"`
}

// ErrorPayload reports a failed turn.
type ErrorPayload struct {
	Error string `json:"error"`
}

// StatePayload reports a session state transition.
type StatePayload struct {
	Status          Status     `json:"status"`
	StopReason      string     `json:"stopReason"`
	PhaseID         string     `json:"phaseId,omitempty"`
	Paused          bool       `json:"paused"`
	ProgressPercent int        `json:"progressPercent"`
	NextPhaseID     string     `json:"nextPhaseId,omitempty"`
	Block           *BlockInfo `json:"block,omitempty"`
}
