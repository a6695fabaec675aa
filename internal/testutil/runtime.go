package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/berth-dev/keel/internal/runtime"
)

// Turn scripts one runtime stream.
type Turn struct {
	Chunks []runtime.Chunk
	// Gate, when non-nil, keeps the stream open after the last chunk until
	// it is closed or the turn is cancelled.
	Gate <-chan struct{}
	// Err is returned from Stream instead of a channel.
	Err error
}

// ScriptedRuntime replays scripted turns in order. Once the script is
// exhausted every further turn is an empty stream.
type ScriptedRuntime struct {
	mu       sync.Mutex
	turns    []Turn
	requests []runtime.Request
}

// NewScriptedRuntime returns a runtime that plays turns in order.
func NewScriptedRuntime(turns ...Turn) *ScriptedRuntime {
	return &ScriptedRuntime{turns: turns}
}

// Push appends turns to the script.
func (r *ScriptedRuntime) Push(turns ...Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, turns...)
}

// Requests returns every request received so far.
func (r *ScriptedRuntime) Requests() []runtime.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]runtime.Request, len(r.requests))
	copy(out, r.requests)
	return out
}

// Stream implements runtime.Runtime.
func (r *ScriptedRuntime) Stream(ctx context.Context, req runtime.Request) (<-chan runtime.Chunk, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	var t Turn
	if len(r.turns) > 0 {
		t = r.turns[0]
		r.turns = r.turns[1:]
	}
	r.mu.Unlock()

	if t.Err != nil {
		return nil, t.Err
	}

	ch := make(chan runtime.Chunk)
	go func() {
		defer close(ch)
		for _, c := range t.Chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if t.Gate != nil {
			select {
			case <-t.Gate:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Text is an assistant chunk with one text block.
func Text(text string) runtime.Chunk {
	return runtime.Chunk{Type: runtime.ChunkAssistant, Blocks: []runtime.ContentBlock{{Type: runtime.BlockText, Text: text}}}
}

// FlatText is an assistant chunk in flat-string form.
func FlatText(text string) runtime.Chunk {
	return runtime.Chunk{Type: runtime.ChunkAssistant, Text: text}
}

// ToolUse is an assistant chunk invoking a tool.
func ToolUse(id, name string, input map[string]any) runtime.Chunk {
	raw, _ := json.Marshal(input)
	return runtime.Chunk{Type: runtime.ChunkAssistant, Blocks: []runtime.ContentBlock{{Type: runtime.BlockToolUse, ID: id, Name: name, Input: raw}}}
}

// ToolResult is the wrapper chunk carrying one tool result.
func ToolResult(toolUseID, output string) runtime.Chunk {
	return runtime.Chunk{Type: runtime.ChunkToolResults, Blocks: []runtime.ContentBlock{{Type: runtime.BlockToolResult, ToolUseID: toolUseID, Output: output}}}
}

// Usage is an assistant chunk carrying only token usage.
func Usage(in, out int64) runtime.Chunk {
	return runtime.Chunk{Type: runtime.ChunkAssistant, Usage: &runtime.Usage{InputTokens: in, OutputTokens: out}}
}

// Result is a final summary chunk.
func Result(subtype, text string) runtime.Chunk {
	return runtime.Chunk{Type: runtime.ChunkResult, Result: &runtime.Result{Subtype: subtype, Text: text}}
}
