// Package workitem defines the entities an execution session runs against
// and the chat records it produces.
package workitem

import "time"

// Stop reasons persisted on a work item's execution state.
const (
	StopRunning      = "running"
	StopPausedByUser = "paused_by_user"
	StopPhaseDone    = "phase_complete"
	StopNeedsInput   = "needs_input"
	StopAllComplete  = "all_complete"
	StopTurnComplete = "turn_complete"
	StopError        = "error"
)

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// WorkItem is the entity an execution session runs against.
type WorkItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	WorkingDir  string    `json:"workingDir,omitempty"`
	Phases      []Phase   `json:"phases"`
	Execution   Execution `json:"execution"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Phase is an ordered group of tasks.
type Phase struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Tasks       []Task `json:"tasks"`
}

// Task is a single unit of work inside a phase.
type Task struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// Execution is the externally persisted execution metadata. It survives
// process restarts; in-memory session state does not.
type Execution struct {
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	CurrentPhaseID     string     `json:"currentPhaseId,omitempty"`
	CurrentTaskID      string     `json:"currentTaskId,omitempty"`
	WaitingForFeedback bool       `json:"waitingForFeedback"`
	StopReason         string     `json:"stopReason,omitempty"`
	PauseBetweenPhases bool       `json:"pauseBetweenPhases"`
	ProgressPercent    int        `json:"progressPercent"`
	NextPhaseID        string     `json:"nextPhaseId,omitempty"`
	LastError          string     `json:"lastError,omitempty"`
}

// Segment is one ordered unit of a turn: either prose or a tool call.
type Segment struct {
	Type string    `json:"type"` // "text" | "tool"
	Text string    `json:"text,omitempty"`
	Tool *ToolCall `json:"tool,omitempty"`
}

// ToolCall is a completed tool invocation.
type ToolCall struct {
	ID         string    `json:"id,omitempty"`
	Name       string    `json:"name"`
	Input      any       `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	IsError    bool      `json:"isError,omitempty"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	DurationMs int64     `json:"durationMs"`
}

// Message is one chat history entry.
type Message struct {
	ID         string     `json:"id"`
	WorkItemID string     `json:"workItemId"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Segments   []Segment  `json:"segments,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	UserID     string     `json:"userId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Idea is a follow-up suggestion raised by the agent during a turn.
type Idea struct {
	ID          string    `json:"id"`
	WorkItemID  string    `json:"workItemId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PhaseIndex returns the position of phaseID, or -1.
func (w *WorkItem) PhaseIndex(phaseID string) int {
	for i, p := range w.Phases {
		if p.ID == phaseID {
			return i
		}
	}
	return -1
}

// Phase returns the phase with the given id.
func (w *WorkItem) Phase(phaseID string) (*Phase, bool) {
	idx := w.PhaseIndex(phaseID)
	if idx < 0 {
		return nil, false
	}
	return &w.Phases[idx], true
}

// NextPhase returns the phase following phaseID, if any.
func (w *WorkItem) NextPhase(phaseID string) (*Phase, bool) {
	idx := w.PhaseIndex(phaseID)
	if idx < 0 || idx+1 >= len(w.Phases) {
		return nil, false
	}
	return &w.Phases[idx+1], true
}

// FirstIncompletePhase returns the first phase with an open task, or the
// last phase when everything is complete. ok is false when there are no
// phases at all.
func (w *WorkItem) FirstIncompletePhase() (*Phase, bool) {
	if len(w.Phases) == 0 {
		return nil, false
	}
	for i := range w.Phases {
		if !w.Phases[i].Complete() {
			return &w.Phases[i], true
		}
	}
	return &w.Phases[len(w.Phases)-1], true
}

// FindTask locates a task by id across all phases.
func (w *WorkItem) FindTask(taskID string) (*Task, *Phase, bool) {
	for i := range w.Phases {
		for j := range w.Phases[i].Tasks {
			if w.Phases[i].Tasks[j].ID == taskID {
				return &w.Phases[i].Tasks[j], &w.Phases[i], true
			}
		}
	}
	return nil, nil, false
}

// Complete reports whether every task in the phase is done. A phase without
// tasks counts as incomplete so it still gets a turn.
func (p *Phase) Complete() bool {
	if len(p.Tasks) == 0 {
		return false
	}
	for _, t := range p.Tasks {
		if !t.Completed {
			return false
		}
	}
	return true
}
