package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	auditlog "github.com/berth-dev/keel/internal/log"
	"github.com/berth-dev/keel/internal/runtime"
	"github.com/berth-dev/keel/internal/workitem"
)

const truncationMarker = "..."

// consume applies one runtime chunk to s. A non-nil error means the turn
// failed and must transition to error. Must be called with s.mu held.
func (m *Manager) consume(s *Session, c runtime.Chunk) error {
	if c.Type == runtime.ChunkError || c.Err != nil {
		if c.Err == nil {
			return errors.New("runtime reported an unspecified error")
		}
		return c.Err
	}

	if c.Usage != nil {
		m.applyUsage(s, c.Usage)
	}

	switch c.Type {
	case runtime.ChunkAssistant:
		if c.Text != "" {
			m.appendText(s, c.Text)
		}
		for _, b := range c.Blocks {
			switch b.Type {
			case runtime.BlockText:
				if b.Text != "" {
					m.appendText(s, b.Text)
				}
			case runtime.BlockToolUse:
				m.startTool(s, b)
			case runtime.BlockToolResult:
				m.endTool(s, b)
			}
		}

	case runtime.ChunkToolResults:
		for _, b := range c.Blocks {
			m.endTool(s, b)
		}

	case runtime.ChunkResult:
		if c.Result == nil {
			return nil
		}
		if s.accumulated == "" && !hasText(s.segments) && c.Result.Text != "" {
			s.accumulated = c.Result.Text
			s.segments = append(s.segments, workitem.Segment{Type: "text", Text: c.Result.Text})
			m.scanDirectives(s)
		}
		if c.Result.Failed() {
			reason := c.Result.Subtype
			if reason == "" {
				reason = "error"
			}
			if c.Result.Text != "" {
				return fmt.Errorf("runtime reported %s: %s", reason, c.Result.Text)
			}
			return fmt.Errorf("runtime reported %s", reason)
		}
	}
	return nil
}

// applyUsage overwrites only the counters the chunk reports.
func (m *Manager) applyUsage(s *Session, u *runtime.Usage) {
	changed := false
	if u.InputTokens > 0 {
		s.tokens.InputTokens = u.InputTokens
		changed = true
	}
	if u.OutputTokens > 0 {
		s.tokens.OutputTokens = u.OutputTokens
		changed = true
	}
	if !changed {
		return
	}
	m.dispatchOrQueue(s, Event{Kind: EventTokenUsage, MessageID: s.turnID, Payload: s.tokens})
}

// appendText adds assistant prose. Text arriving after tool invocations means
// those tools have finished, so pending tools are completed first.
func (m *Manager) appendText(s *Session, text string) {
	m.completePending(s)

	text = paragraphBreak(s.accumulated, text)
	s.accumulated += text

	if n := len(s.segments); n > 0 && s.segments[n-1].Type == "text" {
		s.segments[n-1].Text += text
	} else {
		s.segments = append(s.segments, workitem.Segment{Type: "text", Text: text})
	}

	m.dispatchOrQueue(s, Event{Kind: EventTextChunk, MessageID: s.turnID, Payload: TextChunkPayload{Text: text}})
	m.scanDirectives(s)
}

// paragraphBreak prepends a blank line to next when prev ends a sentence
// without a newline and next starts a new capitalised sentence.
func paragraphBreak(prev, next string) string {
	if prev == "" || next == "" || strings.HasSuffix(prev, "\n") {
		return next
	}
	trimmed := strings.TrimRightFunc(prev, unicode.IsSpace)
	if trimmed == "" || !strings.ContainsRune(".!:?", rune(trimmed[len(trimmed)-1])) {
		return next
	}
	r, _ := utf8.DecodeRuneInString(next)
	if !unicode.IsUpper(r) {
		return next
	}
	return "\n\n" + next
}

func (m *Manager) startTool(s *Session, b runtime.ContentBlock) {
	input := decodeInput(b.Input)
	s.pendingTools = append(s.pendingTools, pendingTool{
		id:        b.ID,
		name:      b.Name,
		input:     input,
		startTime: m.now(),
	})
	m.dispatchOrQueue(s, Event{
		Kind:      EventToolStart,
		MessageID: s.turnID,
		Payload:   ToolStartPayload{ID: b.ID, Name: b.Name, Input: input},
	})
}

// endTool matches a result to its invocation by tool_use_id, falling back to
// the oldest pending invocation.
func (m *Manager) endTool(s *Session, b runtime.ContentBlock) {
	if len(s.pendingTools) == 0 {
		m.logger.Debug("tool result without pending invocation", "entity", s.workItemID, "tool_use_id", b.ToolUseID)
		return
	}
	idx := 0
	if b.ToolUseID != "" {
		for i, p := range s.pendingTools {
			if p.id == b.ToolUseID {
				idx = i
				break
			}
		}
	}
	p := s.pendingTools[idx]
	s.pendingTools = append(s.pendingTools[:idx], s.pendingTools[idx+1:]...)
	m.finishTool(s, p, b.Output, b.IsError)
}

// completePending closes every pending tool without output.
func (m *Manager) completePending(s *Session) {
	pending := s.pendingTools
	s.pendingTools = nil
	for _, p := range pending {
		m.finishTool(s, p, "", false)
	}
}

func (m *Manager) finishTool(s *Session, p pendingTool, output string, isError bool) {
	end := m.now()
	duration := end.Sub(p.startTime)
	if duration < 0 {
		duration = 0
	}
	call := workitem.ToolCall{
		ID:         p.id,
		Name:       p.name,
		Input:      p.input,
		Output:     truncate(output, m.cfg.ToolOutputLimit),
		IsError:    isError,
		StartTime:  p.startTime,
		EndTime:    end,
		DurationMs: duration.Milliseconds(),
	}
	tool := call
	s.segments = append(s.segments, workitem.Segment{Type: "tool", Tool: &tool})
	s.completedTools = append(s.completedTools, call)
	m.metrics.tool(p.name, duration)

	m.dispatchOrQueue(s, Event{Kind: EventToolEnd, MessageID: s.turnID, Payload: ToolEndPayload{Tool: call}})
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + truncationMarker
}

func decodeInput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func hasText(segments []workitem.Segment) bool {
	for _, seg := range segments {
		if seg.Type == "text" && seg.Text != "" {
			return true
		}
	}
	return false
}

// flush persists the turn's unsaved text and segments as one assistant
// message and resets the turn buffers. Must be called with s.mu held.
func (m *Manager) flush(s *Session) (string, bool) {
	if s.accumulated == "" && len(s.segments) == 0 {
		return "", false
	}
	msg := &workitem.Message{
		ID:         s.turnID,
		WorkItemID: s.workItemID,
		Role:       workitem.RoleAssistant,
		Content:    s.accumulated,
		Segments:   s.segments,
		ToolCalls:  s.completedTools,
		CreatedAt:  m.now(),
	}
	ctx, cancel := m.persistCtx()
	defer cancel()
	if err := m.chat.AppendMessage(ctx, msg); err != nil {
		m.logger.Error("saving assistant turn", "entity", s.workItemID, "error", err)
	}
	m.audit(s, auditlog.EventTurnFlushed, func(e *auditlog.LogEvent) {
		e.MessageID = msg.ID
		e.ToolCalls = len(msg.ToolCalls)
	})
	s.resetTurn()
	return msg.ID, true
}
