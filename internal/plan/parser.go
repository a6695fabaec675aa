// Package plan parses markdown work-item plans into phases and tasks.
package plan

import (
	"fmt"
	"strings"

	"github.com/berth-dev/keel/internal/workitem"
)

// ParsePlan parses a markdown plan into a WorkItem.
// The title comes from the first "# " heading, phases from "## id: Title"
// headings and tasks from "- [ ] id: Title" / "- [x] id: Title" lines.
// Returns an error if no phases are found or ids repeat.
func ParsePlan(output string) (*workitem.WorkItem, error) {
	item := &workitem.WorkItem{}

	lines := strings.Split(output, "\n")

	var descLines []string
	titleFound := false
	var current *workitem.Phase
	var phaseDesc []string

	flush := func() {
		if current == nil {
			return
		}
		current.Description = strings.Join(phaseDesc, "\n")
		item.Phases = append(item.Phases, *current)
		current = nil
		phaseDesc = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if isPhaseHeading(trimmed) {
			flush()
			id, title := parseHeading(strings.TrimSpace(strings.TrimPrefix(trimmed, "##")))
			current = &workitem.Phase{ID: id, Title: title}
			continue
		}

		if !titleFound && current == nil && strings.HasPrefix(trimmed, "# ") {
			item.Title = strings.TrimPrefix(trimmed, "# ")
			titleFound = true
			continue
		}

		if current == nil {
			if titleFound && trimmed != "" {
				descLines = append(descLines, trimmed)
			}
			continue
		}

		if task, ok := parseTaskLine(trimmed); ok {
			current.Tasks = append(current.Tasks, task)
			continue
		}
		if trimmed != "" {
			phaseDesc = append(phaseDesc, trimmed)
		}
	}
	flush()

	// Fallback: use first non-empty line as title
	if !titleFound {
		for _, line := range lines {
			trimmed := strings.TrimSpace(line)
			if trimmed != "" {
				item.Title = strings.TrimLeft(trimmed, "# ")
				break
			}
		}
	}

	item.Description = strings.Join(descLines, "\n")

	if len(item.Phases) == 0 {
		return nil, fmt.Errorf("no phases found in plan")
	}
	if err := checkUniqueIDs(item); err != nil {
		return nil, err
	}

	return item, nil
}

// isPhaseHeading returns true for "## id: Title" but not "###".
func isPhaseHeading(line string) bool {
	return strings.HasPrefix(line, "##") && !strings.HasPrefix(line, "###")
}

// parseHeading extracts the id and title from "id: Title".
func parseHeading(heading string) (string, string) {
	parts := strings.SplitN(heading, ":", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	// Fallback: entire heading as both ID and title
	return strings.TrimSpace(heading), strings.TrimSpace(heading)
}

// parseTaskLine parses "- [ ] id: Title" and "- [x] id: Title".
func parseTaskLine(line string) (workitem.Task, bool) {
	if !strings.HasPrefix(line, "- [") && !strings.HasPrefix(line, "* [") {
		return workitem.Task{}, false
	}
	rest := line[3:]
	closing := strings.Index(rest, "]")
	if closing < 0 {
		return workitem.Task{}, false
	}
	mark := strings.ToLower(strings.TrimSpace(rest[:closing]))
	body := strings.TrimSpace(rest[closing+1:])
	if body == "" {
		return workitem.Task{}, false
	}

	id, title := parseHeading(body)
	return workitem.Task{
		ID:        id,
		Title:     title,
		Completed: mark == "x",
	}, true
}

func checkUniqueIDs(item *workitem.WorkItem) error {
	phases := make(map[string]bool)
	tasks := make(map[string]bool)
	for _, p := range item.Phases {
		if phases[p.ID] {
			return fmt.Errorf("duplicate phase id %q", p.ID)
		}
		phases[p.ID] = true
		for _, t := range p.Tasks {
			if tasks[t.ID] {
				return fmt.Errorf("duplicate task id %q", t.ID)
			}
			tasks[t.ID] = true
		}
	}
	return nil
}
