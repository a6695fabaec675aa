package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/berth-dev/keel/internal/store"
	"github.com/berth-dev/keel/internal/workitem"
)

// MemoryStore is an in-memory entity and chat store.
type MemoryStore struct {
	mu       sync.Mutex
	items    map[string]*workitem.WorkItem
	messages map[string][]workitem.Message
	ideas    map[string][]workitem.Idea
}

// NewMemoryStore returns a store holding copies of items.
func NewMemoryStore(items ...*workitem.WorkItem) *MemoryStore {
	s := &MemoryStore{
		items:    make(map[string]*workitem.WorkItem),
		messages: make(map[string][]workitem.Message),
		ideas:    make(map[string][]workitem.Idea),
	}
	for _, it := range items {
		s.items[it.ID] = clone(it)
	}
	return s
}

// GetWorkItem returns a copy of the work item.
func (s *MemoryStore) GetWorkItem(_ context.Context, id string) (*workitem.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("work item %s: %w", id, store.ErrNotFound)
	}
	return clone(it), nil
}

// UpdateExecution applies fn to the stored execution state.
func (s *MemoryStore) UpdateExecution(_ context.Context, id string, fn func(*workitem.Execution)) (*workitem.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("work item %s: %w", id, store.ErrNotFound)
	}
	fn(&it.Execution)
	it.UpdatedAt = time.Now()
	return clone(it), nil
}

// SetTaskCompleted sets a task's completion flag.
func (s *MemoryStore) SetTaskCompleted(_ context.Context, itemID, taskID string, completed bool) (*workitem.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return nil, fmt.Errorf("work item %s: %w", itemID, store.ErrNotFound)
	}
	task, _, ok := it.FindTask(taskID)
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	task.Completed = completed
	return clone(it), nil
}

// AddIdea records an idea.
func (s *MemoryStore) AddIdea(_ context.Context, idea *workitem.Idea) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idea.ID == "" {
		idea.ID = uuid.New().String()
	}
	s.ideas[idea.WorkItemID] = append(s.ideas[idea.WorkItemID], *idea)
	return nil
}

// AppendMessage records a chat message.
func (s *MemoryStore) AppendMessage(_ context.Context, msg *workitem.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	s.messages[msg.WorkItemID] = append(s.messages[msg.WorkItemID], *msg)
	return nil
}

// Messages returns the recorded chat messages of a work item.
func (s *MemoryStore) Messages(id string) []workitem.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]workitem.Message, len(s.messages[id]))
	copy(out, s.messages[id])
	return out
}

// Ideas returns the recorded ideas of a work item.
func (s *MemoryStore) Ideas(id string) []workitem.Idea {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]workitem.Idea, len(s.ideas[id]))
	copy(out, s.ideas[id])
	return out
}

// Item returns a copy of the stored work item, or nil.
func (s *MemoryStore) Item(id string) *workitem.WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		return clone(it)
	}
	return nil
}

func clone(it *workitem.WorkItem) *workitem.WorkItem {
	c := *it
	c.Phases = make([]workitem.Phase, len(it.Phases))
	for i, p := range it.Phases {
		p.Tasks = append([]workitem.Task(nil), p.Tasks...)
		c.Phases[i] = p
	}
	if it.Execution.StartedAt != nil {
		t := *it.Execution.StartedAt
		c.Execution.StartedAt = &t
	}
	return &c
}
