// Package ui provides terminal output for keel.
// This file implements the phase progress display shown by headless runs.
package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/berth-dev/keel/internal/workitem"
)

// PhaseStatus represents the display status of a single phase.
type PhaseStatus int

const (
	PhasePending PhaseStatus = iota
	PhaseRunning
	PhaseDone
	PhasePaused  // Done, waiting for the user to continue
	PhaseBlocked // Waiting for feedback
	PhaseFailed
)

// PhaseState holds the display state of a single phase.
type PhaseState struct {
	ID         string
	Title      string
	Status     PhaseStatus
	TasksDone  int
	TasksTotal int
	Elapsed    time.Duration
}

// ProgressDisplay renders phase progress to a writer. On a terminal it
// redraws in place; otherwise it prints one line per status transition.
type ProgressDisplay struct {
	mu          sync.Mutex
	out         io.Writer
	title       string
	phases      []*PhaseState
	phaseIndex  map[string]int
	percent     int
	started     bool
	isTTY       bool
	linesDrawn  int
	startTimes  map[string]time.Time
	lastPrinted map[string]PhaseStatus
	now         func() time.Time
}

// NewProgressDisplay creates a display for item writing to out.
func NewProgressDisplay(out io.Writer, item *workitem.WorkItem) *ProgressDisplay {
	p := &ProgressDisplay{
		out:         out,
		title:       item.Title,
		phaseIndex:  make(map[string]int),
		startTimes:  make(map[string]time.Time),
		lastPrinted: make(map[string]PhaseStatus),
		isTTY:       isTerminal(out),
		now:         time.Now,
		percent:     item.Execution.ProgressPercent,
	}
	for _, ph := range item.Phases {
		st := &PhaseState{ID: ph.ID, Title: ph.Title, TasksTotal: len(ph.Tasks)}
		for _, t := range ph.Tasks {
			if t.Completed {
				st.TasksDone++
			}
		}
		if ph.Complete() && len(ph.Tasks) > 0 {
			st.Status = PhaseDone
		}
		p.phaseIndex[ph.ID] = len(p.phases)
		p.phases = append(p.phases, st)
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start draws the initial display.
func (p *ProgressDisplay) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.started = true
	p.render()
}

// SetPhase updates a phase's status and re-renders.
func (p *ProgressDisplay) SetPhase(id string, status PhaseStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.phaseIndex[id]
	if !ok {
		return
	}
	ph := p.phases[idx]
	if ph.Status == status {
		return
	}
	ph.Status = status

	switch status {
	case PhaseRunning:
		if _, ok := p.startTimes[id]; !ok {
			p.startTimes[id] = p.now()
		}
	case PhaseDone, PhasePaused, PhaseFailed:
		if start, ok := p.startTimes[id]; ok {
			ph.Elapsed = p.now().Sub(start)
		}
	}

	if p.started {
		p.render()
	}
}

// TaskDone counts a completed task against its phase.
func (p *ProgressDisplay) TaskDone(phaseID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.phaseIndex[phaseID]
	if !ok {
		return
	}
	ph := p.phases[idx]
	if ph.TasksDone < ph.TasksTotal {
		ph.TasksDone++
	}
	if p.started && p.isTTY {
		p.render()
	}
}

// SetProgress records the overall completion percentage.
func (p *ProgressDisplay) SetProgress(percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.percent = percent
}

// Print writes streamed text above the display.
func (p *ProgressDisplay) Print(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.out, text)
	// The block is redrawn below the text on the next render.
	p.linesDrawn = 0
}

// Finish prints a summary line.
func (p *ProgressDisplay) Finish(outcome string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	done := 0
	for _, ph := range p.phases {
		if ph.Status == PhaseDone || ph.Status == PhasePaused {
			done++
		}
	}
	fmt.Fprintf(p.out, "\n%s: %d/%d phases, %d%%\n", outcome, done, len(p.phases), p.percent)
}

func (p *ProgressDisplay) render() {
	if !p.isTTY {
		p.renderPlain()
		return
	}
	p.renderTTY()
}

// renderTTY redraws the block in place using ANSI escape codes.
func (p *ProgressDisplay) renderTTY() {
	if p.linesDrawn > 0 {
		fmt.Fprintf(p.out, "\033[%dA", p.linesDrawn)
	}

	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("\033[2K\033[1mkeel - %q (%d%%)\033[0m\n", p.title, p.percent))
	buf.WriteString("\033[2K\n")
	for _, ph := range p.phases {
		buf.WriteString("\033[2K")
		buf.WriteString(formatPhaseLine(ph, p.startTimes, p.now()))
		buf.WriteString("\n")
	}

	fmt.Fprint(p.out, buf.String())
	p.linesDrawn = len(p.phases) + 2
}

// renderPlain only prints status transitions.
func (p *ProgressDisplay) renderPlain() {
	for _, ph := range p.phases {
		if ph.Status == PhasePending {
			continue
		}
		if prev, seen := p.lastPrinted[ph.ID]; seen && prev == ph.Status {
			continue
		}
		fmt.Fprintln(p.out, formatPhaseLinePlain(ph))
		p.lastPrinted[ph.ID] = ph.Status
	}
}

func formatPhaseLine(ph *PhaseState, startTimes map[string]time.Time, now time.Time) string {
	title := ph.Title
	if len(title) > 45 {
		title = title[:42] + "..."
	}
	return fmt.Sprintf("  %s %s %s  %s", statusIcon(ph.Status), ph.ID, title, statusDetail(ph, startTimes, now))
}

func formatPhaseLinePlain(ph *PhaseState) string {
	var status string
	switch ph.Status {
	case PhasePending:
		status = "PENDING"
	case PhaseRunning:
		status = fmt.Sprintf("RUNNING %d/%d tasks", ph.TasksDone, ph.TasksTotal)
	case PhaseDone:
		status = fmt.Sprintf("DONE [%s]", formatDuration(ph.Elapsed))
	case PhasePaused:
		status = "DONE, PAUSED"
	case PhaseBlocked:
		status = "BLOCKED"
	case PhaseFailed:
		status = "FAILED"
	}
	return fmt.Sprintf("[%s] %s: %s", status, ph.ID, ph.Title)
}

func statusIcon(status PhaseStatus) string {
	switch status {
	case PhaseDone, PhasePaused:
		return "\033[32m✅\033[0m"
	case PhaseRunning:
		return "\033[33m⏳\033[0m"
	case PhaseBlocked:
		return "\033[35m❓\033[0m"
	case PhaseFailed:
		return "\033[31m❌\033[0m"
	default:
		return "\033[90m○\033[0m"
	}
}

func statusDetail(ph *PhaseState, startTimes map[string]time.Time, now time.Time) string {
	switch ph.Status {
	case PhaseDone:
		return fmt.Sprintf("\033[90m[%s]\033[0m", formatDuration(ph.Elapsed))
	case PhasePaused:
		return "\033[90m[paused]\033[0m"
	case PhaseRunning:
		elapsed := now.Sub(startTimes[ph.ID])
		return fmt.Sprintf("\033[33m[%d/%d tasks, %s]\033[0m", ph.TasksDone, ph.TasksTotal, formatDuration(elapsed))
	case PhaseBlocked:
		return "\033[35m[needs input]\033[0m"
	case PhaseFailed:
		return "\033[31m[error]\033[0m"
	default:
		return "\033[90m[pending]\033[0m"
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh%dm%ds", h, m, s)
}
