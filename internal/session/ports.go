package session

import (
	"context"

	"github.com/berth-dev/keel/internal/directive"
	"github.com/berth-dev/keel/internal/workitem"
)

// EntityStore reads work items and persists their execution state.
type EntityStore interface {
	GetWorkItem(ctx context.Context, id string) (*workitem.WorkItem, error)
	UpdateExecution(ctx context.Context, id string, fn func(*workitem.Execution)) (*workitem.WorkItem, error)
	SetTaskCompleted(ctx context.Context, itemID, taskID string, completed bool) (*workitem.WorkItem, error)
	AddIdea(ctx context.Context, idea *workitem.Idea) error
}

// ChatStore appends chat history.
type ChatStore interface {
	AppendMessage(ctx context.Context, msg *workitem.Message) error
}

// DirectiveParser extracts directives from accumulated text.
type DirectiveParser interface {
	Parse(text string) []directive.Directive
}

// Broadcaster tells other observers of a work item about state changes.
type Broadcaster interface {
	BroadcastWorkItem(id string, item *workitem.WorkItem)
}

// Sink delivers events to one connected client. Send must not call back
// into the Manager.
type Sink interface {
	Send(Event) error
}

// WorkdirResolver picks and validates the working directory for a turn.
type WorkdirResolver interface {
	Resolve(item *workitem.WorkItem) (string, error)
}
