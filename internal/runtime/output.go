// output.go parses Claude stream-json lines into chunks.
package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// claudeStreamLine is one JSON line from --output-format stream-json.
type claudeStreamLine struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype"`
	Message   *claudeMessage `json:"message,omitempty"`
	Result    string         `json:"result"`
	IsError   bool           `json:"is_error"`
	SessionID string         `json:"session_id"`
	CostUSD   float64        `json:"total_cost_usd"`
	NumTurns  int            `json:"num_turns"`
	Usage     *claudeUsage   `json:"usage,omitempty"`
}

type claudeMessage struct {
	Content json.RawMessage `json:"content"`
	Usage   *claudeUsage    `json:"usage,omitempty"`
}

type claudeUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// ParseStreamLine parses one stream-json line. ok is false for lines that
// carry nothing the session cares about (system/init records, blank lines).
func ParseStreamLine(line []byte) (Chunk, bool, error) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return Chunk{}, false, nil
	}

	var raw claudeStreamLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return Chunk{}, false, fmt.Errorf("parsing stream line: %w", err)
	}

	switch raw.Type {
	case "assistant":
		if raw.Message == nil {
			return Chunk{}, false, nil
		}
		chunk := Chunk{Type: ChunkAssistant, Usage: toUsage(raw.Message.Usage)}
		blocks, text, err := parseContent(raw.Message.Content)
		if err != nil {
			return Chunk{}, false, err
		}
		chunk.Blocks = blocks
		chunk.Text = text
		return chunk, true, nil

	case "user":
		if raw.Message == nil {
			return Chunk{}, false, nil
		}
		blocks, _, err := parseContent(raw.Message.Content)
		if err != nil {
			return Chunk{}, false, err
		}
		var results []ContentBlock
		for _, b := range blocks {
			if b.Type == BlockToolResult {
				results = append(results, b)
			}
		}
		if len(results) == 0 {
			return Chunk{}, false, nil
		}
		return Chunk{Type: ChunkToolResults, Blocks: results}, true, nil

	case "result":
		return Chunk{
			Type:  ChunkResult,
			Usage: toUsage(raw.Usage),
			Result: &Result{
				Subtype:   raw.Subtype,
				Text:      raw.Result,
				IsError:   raw.IsError,
				SessionID: raw.SessionID,
				CostUSD:   raw.CostUSD,
				NumTurns:  raw.NumTurns,
			},
		}, true, nil
	}

	return Chunk{}, false, nil
}

// parseContent accepts either a string or an array of blocks.
func parseContent(raw json.RawMessage) ([]ContentBlock, string, error) {
	if len(raw) == 0 {
		return nil, "", nil
	}
	var flat string
	if err := json.Unmarshal(raw, &flat); err == nil {
		return nil, flat, nil
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, "", fmt.Errorf("parsing message content: %w", err)
	}

	out := make([]ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			out = append(out, ContentBlock{Type: BlockText, Text: b.Text})
		case BlockToolUse:
			out = append(out, ContentBlock{Type: BlockToolUse, ID: b.ID, Name: b.Name, Input: b.Input})
		case BlockToolResult:
			out = append(out, ContentBlock{
				Type:      BlockToolResult,
				ToolUseID: b.ToolUseID,
				Output:    resultText(b.Content),
				IsError:   b.IsError,
			})
		}
	}
	return out, "", nil
}

// resultText flattens tool_result content, which may be a string or a list
// of text blocks.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []claudeBlock
	if err := json.Unmarshal(raw, &parts); err == nil {
		var texts []string
		for _, p := range parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return string(raw)
}

func toUsage(u *claudeUsage) *Usage {
	if u == nil || (u.InputTokens == 0 && u.OutputTokens == 0) {
		return nil
	}
	return &Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
}
