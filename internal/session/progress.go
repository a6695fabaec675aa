package session

import (
	"fmt"
	"math"

	"github.com/berth-dev/keel/internal/config"
	"github.com/berth-dev/keel/internal/directive"
	auditlog "github.com/berth-dev/keel/internal/log"
	"github.com/berth-dev/keel/internal/workitem"
)

// scanDirectives re-reads the accumulated text and acts on new directives.
// Task completion is deduped per session by task id. Under the "all" policy,
// other kinds are deduped per turn by kind, occurrence and payload, and phase
// completion additionally by phase id for the session lifetime.
// Must be called with s.mu held.
func (m *Manager) scanDirectives(s *Session) {
	for _, d := range m.parser.Parse(s.accumulated) {
		if d.Kind == directive.KindTaskComplete {
			if s.processedTasks[d.TaskID] {
				continue
			}
			s.processedTasks[d.TaskID] = true
			m.onTaskComplete(s, d)
			continue
		}

		if m.cfg.DirectiveDedup != config.DedupAll {
			m.applyDirective(s, d)
			continue
		}

		key := fmt.Sprintf("%s|%d|%s", d.Kind, d.Occurrence, d.Payload())
		if s.turnDirectives[key] {
			continue
		}
		if d.Kind == directive.KindPhaseComplete && s.completedPhases[d.PhaseID] {
			s.turnDirectives[key] = true
			continue
		}
		// A directive that could not be applied is retried on the next scan.
		if !m.applyDirective(s, d) {
			continue
		}
		s.turnDirectives[key] = true
		if d.Kind == directive.KindPhaseComplete {
			s.completedPhases[d.PhaseID] = true
		}
	}
}

// applyDirective reports whether d was handled. Only transient failures
// report false.
func (m *Manager) applyDirective(s *Session, d directive.Directive) bool {
	switch d.Kind {
	case directive.KindPhaseComplete:
		return m.onPhaseComplete(s, d)
	case directive.KindBlocked:
		m.onBlocked(s, d)
	case directive.KindNewIdea:
		m.onNewIdea(s, d)
	case directive.KindTaskUpdate:
		m.onTaskUpdate(s, d)
	}
	return true
}

func (m *Manager) onTaskComplete(s *Session, d directive.Directive) {
	m.metrics.directive(string(d.Kind))
	ctx, cancel := m.persistCtx()
	defer cancel()

	phaseID := s.phaseID
	item, err := m.entities.SetTaskCompleted(ctx, s.workItemID, d.TaskID, true)
	if err != nil {
		m.logger.Warn("persisting task completion", "entity", s.workItemID, "task", d.TaskID, "error", err)
	} else if _, p, ok := item.FindTask(d.TaskID); ok {
		phaseID = p.ID
	}
	m.updateExecution(s, func(e *workitem.Execution) {
		e.CurrentTaskID = ""
	})

	m.audit(s, auditlog.EventTaskCompleted, func(e *auditlog.LogEvent) {
		e.TaskID = d.TaskID
		e.PhaseID = phaseID
	})
	m.dispatchOrQueue(s, Event{
		Kind:      EventTaskComplete,
		MessageID: s.turnID,
		Payload:   TaskPayload{TaskID: d.TaskID, PhaseID: phaseID, Completed: true},
	})
}

func (m *Manager) onPhaseComplete(s *Session, d directive.Directive) bool {
	if s.status != StatusRunning {
		m.logger.Info("ignoring phase completion outside a running turn", "entity", s.workItemID, "phase", d.PhaseID, "status", s.status)
		return true
	}

	ctx, cancel := m.persistCtx()
	defer cancel()
	item, err := m.entities.GetWorkItem(ctx, s.workItemID)
	if err != nil {
		m.logger.Warn("loading work item for phase completion", "entity", s.workItemID, "error", err)
		return false
	}

	phaseID := d.PhaseID
	idx := item.PhaseIndex(phaseID)
	if idx < 0 {
		phaseID = s.phaseID
		idx = item.PhaseIndex(phaseID)
	}
	if idx < 0 {
		m.logger.Warn("phase completion for unknown phase", "entity", s.workItemID, "phase", d.PhaseID)
		return true
	}
	m.metrics.directive(string(d.Kind))

	progress := int(math.Round(float64(idx+1) / float64(len(item.Phases)) * 100))
	next, hasNext := item.NextPhase(phaseID)

	payload := PhaseCompletePayload{PhaseID: phaseID, ProgressPercent: progress}
	switch {
	case hasNext && s.pauseBetweenPhases:
		payload.NextPhaseID = next.ID
		s.status = StatusPaused
		s.stopReason = workitem.StopPhaseDone
		s.progressPercent = progress
		s.nextPhaseID = next.ID
		m.updateExecution(s, func(e *workitem.Execution) {
			e.StopReason = workitem.StopPhaseDone
			e.ProgressPercent = progress
			e.NextPhaseID = next.ID
		})

	case hasNext:
		payload.NextPhaseID = next.ID
		s.progressPercent = progress
		s.nextPhaseID = next.ID
		s.continueWith = next.ID
		m.updateExecution(s, func(e *workitem.Execution) {
			e.ProgressPercent = progress
			e.NextPhaseID = next.ID
		})

	default:
		payload.ProgressPercent = 100
		s.status = StatusCompleted
		s.stopReason = workitem.StopAllComplete
		s.progressPercent = 100
		s.nextPhaseID = ""
		m.updateExecution(s, func(e *workitem.Execution) {
			e.StopReason = workitem.StopAllComplete
			e.ProgressPercent = 100
			e.NextPhaseID = ""
		})
	}

	m.audit(s, auditlog.EventPhaseCompleted, func(e *auditlog.LogEvent) {
		e.PhaseID = phaseID
		e.Progress = payload.ProgressPercent
		e.Status = string(s.status)
	})
	m.dispatchOrQueue(s, Event{Kind: EventPhaseComplete, MessageID: s.turnID, Payload: payload})
	m.emitState(s)
	return true
}

func (m *Manager) onBlocked(s *Session, d directive.Directive) {
	if s.status != StatusRunning {
		m.logger.Info("ignoring block outside a running turn", "entity", s.workItemID, "status", s.status)
		return
	}
	m.metrics.directive(string(d.Kind))

	s.status = StatusBlocked
	s.stopReason = workitem.StopNeedsInput
	s.continueWith = ""
	s.block = &BlockInfo{Reason: d.Reason, Question: d.Question, At: m.now()}
	m.updateExecution(s, func(e *workitem.Execution) {
		e.StopReason = workitem.StopNeedsInput
		e.WaitingForFeedback = true
	})

	m.audit(s, auditlog.EventSessionBlocked, func(e *auditlog.LogEvent) {
		e.Reason = d.Reason
	})
	m.dispatchOrQueue(s, Event{Kind: EventBlocked, MessageID: s.turnID, Payload: *s.block})
}

func (m *Manager) onNewIdea(s *Session, d directive.Directive) {
	m.metrics.directive(string(d.Kind))
	idea := &workitem.Idea{
		WorkItemID:  s.workItemID,
		Title:       d.Title,
		Description: d.Description,
		CreatedAt:   m.now(),
	}
	ctx, cancel := m.persistCtx()
	defer cancel()
	if err := m.entities.AddIdea(ctx, idea); err != nil {
		m.logger.Warn("saving idea", "entity", s.workItemID, "error", err)
	}
	m.dispatchOrQueue(s, Event{Kind: EventNewIdea, MessageID: s.turnID, Payload: *idea})
}

func (m *Manager) onTaskUpdate(s *Session, d directive.Directive) {
	m.metrics.directive(string(d.Kind))
	ctx, cancel := m.persistCtx()
	defer cancel()

	payload := TaskPayload{TaskID: d.TaskID, Completed: d.Completed}
	item, err := m.entities.SetTaskCompleted(ctx, s.workItemID, d.TaskID, d.Completed)
	if err != nil {
		m.logger.Warn("persisting task update", "entity", s.workItemID, "task", d.TaskID, "error", err)
	} else {
		if _, p, ok := item.FindTask(d.TaskID); ok {
			payload.PhaseID = p.ID
		}
		m.broadcast(item)
	}
	m.dispatchOrQueue(s, Event{Kind: EventTaskUpdate, MessageID: s.turnID, Payload: payload})
}

// emitState queues a session_state event for the current status.
// Must be called with s.mu held.
func (m *Manager) emitState(s *Session) {
	payload := StatePayload{
		Status:          s.status,
		StopReason:      s.stopReason,
		PhaseID:         s.phaseID,
		Paused:          s.status == StatusPaused,
		ProgressPercent: s.progressPercent,
		NextPhaseID:     s.nextPhaseID,
	}
	if s.block != nil {
		b := *s.block
		payload.Block = &b
	}
	m.dispatchOrQueue(s, Event{Kind: EventSessionState, MessageID: s.turnID, Payload: payload})
}
