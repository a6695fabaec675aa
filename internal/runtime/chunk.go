// Package runtime defines the agent runtime contract and the Claude CLI
// implementation that streams a turn as ordered chunks.
package runtime

import (
	"context"
	"encoding/json"
)

// ChunkType classifies a streamed chunk.
type ChunkType string

const (
	// ChunkAssistant carries assistant content: text and tool invocations.
	ChunkAssistant ChunkType = "assistant"
	// ChunkToolResults is the wrapper message carrying tool results.
	ChunkToolResults ChunkType = "user"
	// ChunkResult is the final summary of a turn.
	ChunkResult ChunkType = "result"
	// ChunkError reports a runtime failure after the stream started.
	ChunkError ChunkType = "error"
)

// Block types inside a chunk.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Result subtypes.
const (
	SubtypeSuccess              = "success"
	SubtypeErrorDuringExecution = "error_during_execution"
	SubtypeErrorMaxTurns        = "error_max_turns"
)

// Chunk is one element of a turn's ordered output.
type Chunk struct {
	Type ChunkType
	// Blocks holds array-form content.
	Blocks []ContentBlock
	// Text holds flat-form assistant content.
	Text   string
	Usage  *Usage
	Result *Result
	Err    error
}

// ContentBlock is a single content element.
type ContentBlock struct {
	Type string
	Text string

	// tool_use
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result
	ToolUseID string
	Output    string
	IsError   bool
}

// Usage carries token counters. Zero means "not reported".
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Result is the final summary of a turn.
type Result struct {
	Subtype   string
	Text      string
	IsError   bool
	SessionID string
	CostUSD   float64
	NumTurns  int
}

// Failed reports whether the summary signals an in-run failure.
func (r *Result) Failed() bool {
	if r == nil {
		return false
	}
	return r.IsError || (r.Subtype != "" && r.Subtype != SubtypeSuccess)
}

// Request describes one turn.
type Request struct {
	Prompt       string
	SystemPrompt string
	WorkDir      string
	AllowedTools []string
}

// Runtime runs a turn and streams its chunks. The returned channel is closed
// when the turn ends. Cancelling ctx must stop the underlying work; the
// runtime stops sending once ctx is done.
type Runtime interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
