// Package directive extracts structured markers from free-form agent text.
//
// Markers look like [[KIND: payload]] where the payload may carry several
// fields separated by "|":
//
//	[[TASK_COMPLETE: t1]]
//	[[PHASE_COMPLETE: p1]]
//	[[BLOCKED: missing credentials | Which account should I use?]]
//	[[NEW_IDEA: Cache the index | Rebuilding it per request is slow]]
//	[[TASK_UPDATE: t2 | undone]]
package directive

import (
	"regexp"
	"strings"
)

// Kind identifies a directive type.
type Kind string

const (
	KindTaskComplete  Kind = "task_complete"
	KindPhaseComplete Kind = "phase_complete"
	KindBlocked       Kind = "blocked"
	KindNewIdea       Kind = "new_idea"
	KindTaskUpdate    Kind = "task_update"
)

// Directive is one marker found in the text.
type Directive struct {
	Kind Kind
	// Offset is the byte position of the marker in the scanned text.
	Offset int
	// Occurrence counts earlier markers of the same kind in the text.
	Occurrence int

	TaskID      string
	PhaseID     string
	Reason      string
	Question    string
	Title       string
	Description string
	Completed   bool
}

// Payload returns the identifying payload of the directive, used for
// dedup keys and logging.
func (d Directive) Payload() string {
	switch d.Kind {
	case KindTaskComplete:
		return d.TaskID
	case KindPhaseComplete:
		return d.PhaseID
	case KindBlocked:
		return d.Reason + "|" + d.Question
	case KindNewIdea:
		return d.Title + "|" + d.Description
	case KindTaskUpdate:
		if d.Completed {
			return d.TaskID + "|done"
		}
		return d.TaskID + "|undone"
	}
	return ""
}

var markerRe = regexp.MustCompile(`(?is)\[\[\s*(TASK_COMPLETE|PHASE_COMPLETE|BLOCKED|NEW_IDEA|TASK_UPDATE)\s*:(.*?)\]\]`)

// Parser is the default marker grammar.
type Parser struct{}

// NewParser returns the default Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse returns every well-formed, non-empty directive in text, in order.
func (p *Parser) Parse(text string) []Directive {
	matches := markerRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	var out []Directive
	seen := make(map[Kind]int)
	for _, m := range matches {
		kind := Kind(strings.ToLower(text[m[2]:m[3]]))
		payload := strings.TrimSpace(text[m[4]:m[5]])

		d, ok := build(kind, payload)
		if !ok {
			continue
		}
		d.Offset = m[0]
		d.Occurrence = seen[kind]
		seen[kind]++
		out = append(out, d)
	}
	return out
}

// Of filters directives to a single kind.
func Of(ds []Directive, kind Kind) []Directive {
	var out []Directive
	for _, d := range ds {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// Strip removes all markers from text, for display.
func Strip(text string) string {
	return markerRe.ReplaceAllString(text, "")
}

func build(kind Kind, payload string) (Directive, bool) {
	if payload == "" {
		return Directive{}, false
	}
	first, second := splitFields(payload)

	switch kind {
	case KindTaskComplete:
		if first == "" {
			return Directive{}, false
		}
		return Directive{Kind: kind, TaskID: first}, true
	case KindPhaseComplete:
		if first == "" {
			return Directive{}, false
		}
		return Directive{Kind: kind, PhaseID: first}, true
	case KindBlocked:
		if first == "" && second == "" {
			return Directive{}, false
		}
		return Directive{Kind: kind, Reason: first, Question: second}, true
	case KindNewIdea:
		if first == "" {
			return Directive{}, false
		}
		return Directive{Kind: kind, Title: first, Description: second}, true
	case KindTaskUpdate:
		if first == "" {
			return Directive{}, false
		}
		completed, ok := parseCompletion(second)
		if !ok {
			return Directive{}, false
		}
		return Directive{Kind: kind, TaskID: first, Completed: completed}, true
	}
	return Directive{}, false
}

func splitFields(payload string) (string, string) {
	parts := strings.SplitN(payload, "|", 2)
	first := strings.TrimSpace(parts[0])
	if len(parts) == 1 {
		return first, ""
	}
	return first, strings.TrimSpace(parts[1])
}

// parseCompletion accepts done/undone style values; an empty value means done.
func parseCompletion(val string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "", "done", "complete", "completed", "true", "+1", "x":
		return true, true
	case "undone", "open", "incomplete", "false", "-1", "reopen":
		return false, true
	}
	return false, false
}
