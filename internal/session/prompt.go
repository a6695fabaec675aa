package session

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/berth-dev/keel/internal/workitem"
	"github.com/berth-dev/keel/prompts"
)

var phaseTemplate = template.Must(template.New("phase").Parse(prompts.PhaseTemplate))

// phasePromptData holds the template data for phase prompt rendering.
type phasePromptData struct {
	Title       string
	Description string
	Phase       workitem.Phase
	PhaseNumber int
	PhaseCount  int
	Completed   []workitem.Phase
	Message     string
}

// BuildPhasePrompt renders the prompt that starts a turn for phase. message
// is an optional user message appended to the phase context.
func BuildPhasePrompt(item *workitem.WorkItem, phase *workitem.Phase, message string) (string, error) {
	idx := item.PhaseIndex(phase.ID)
	data := phasePromptData{
		Title:       item.Title,
		Description: item.Description,
		Phase:       *phase,
		PhaseNumber: idx + 1,
		PhaseCount:  len(item.Phases),
		Message:     message,
	}
	for i := 0; i < idx; i++ {
		data.Completed = append(data.Completed, item.Phases[i])
	}

	var buf bytes.Buffer
	if err := phaseTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering phase prompt: %w", err)
	}
	return buf.String(), nil
}
