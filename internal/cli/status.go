// status.go implements the "keel status" command showing work item progress.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	auditlog "github.com/berth-dev/keel/internal/log"
	"github.com/berth-dev/keel/internal/workitem"
)

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show work item progress",
	Long: `List every work item with its execution state, or show the phases,
tasks and recent session events of one work item.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

const recentEvents = 5

func runStatus(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot()
	if err != nil {
		return err
	}
	e, err := openEnv(root, newLogger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer e.Close()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		items, err := e.store.ListWorkItems(cmd.Context())
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return fmt.Errorf("no work items; add one with: keel add plan.md")
		}
		printItemList(out, items)
		return nil
	}

	item, err := e.store.GetWorkItem(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	events, err := e.audit.ForWorkItem(item.ID)
	if err != nil {
		e.logger.Warn("reading audit log", "error", err)
	}
	printItem(out, item, events)
	return nil
}

func printItemList(w io.Writer, items []*workitem.WorkItem) {
	fmt.Fprintln(w, "Keel Status")
	fmt.Fprintln(w)
	for _, it := range items {
		fmt.Fprintf(w, "  %-12s  %-14s  %3d%%  %s\n", it.ID, displayStopReason(it.Execution), it.Execution.ProgressPercent, it.Title)
	}
}

func printItem(w io.Writer, item *workitem.WorkItem, events []auditlog.LogEvent) {
	fmt.Fprintf(w, "%s  %s\n", item.ID, item.Title)
	ex := item.Execution
	fmt.Fprintf(w, "State: %s, %d%% complete\n", displayStopReason(ex), ex.ProgressPercent)
	if ex.CurrentPhaseID != "" {
		fmt.Fprintf(w, "Current phase: %s\n", ex.CurrentPhaseID)
	}
	if ex.NextPhaseID != "" {
		fmt.Fprintf(w, "Next phase: %s\n", ex.NextPhaseID)
	}
	if ex.WaitingForFeedback {
		fmt.Fprintln(w, "Waiting for feedback")
	}
	if ex.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", ex.LastError)
	}
	fmt.Fprintln(w)

	done, total := 0, 0
	for _, p := range item.Phases {
		fmt.Fprintf(w, "  %s: %s\n", p.ID, p.Title)
		for _, t := range p.Tasks {
			mark := " "
			if t.Completed {
				mark = "x"
				done++
			}
			total++
			fmt.Fprintf(w, "    [%s] %s: %s\n", mark, t.ID, t.Title)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Progress: %d/%d tasks complete\n", done, total)

	if len(events) > recentEvents {
		events = events[len(events)-recentEvents:]
	}
	if len(events) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Recent events:")
		for _, ev := range events {
			line := fmt.Sprintf("  %s  %-18s", ev.Time.Format("2006-01-02 15:04:05"), ev.Event)
			if ev.PhaseID != "" {
				line += " phase=" + ev.PhaseID
			}
			if ev.TaskID != "" {
				line += " task=" + ev.TaskID
			}
			if ev.Reason != "" {
				line += " reason=" + ev.Reason
			}
			if ev.Error != "" {
				line += " error=" + ev.Error
			}
			fmt.Fprintln(w, line)
		}
	}
}

// displayStopReason maps persisted stop reasons to display labels.
func displayStopReason(ex workitem.Execution) string {
	switch ex.StopReason {
	case "":
		return "not started"
	case workitem.StopPhaseDone:
		return "paused"
	case workitem.StopNeedsInput:
		return "blocked"
	case workitem.StopPausedByUser:
		return "stopped"
	case workitem.StopAllComplete:
		return "done"
	case workitem.StopTurnComplete:
		return "awaiting reply"
	default:
		return ex.StopReason
	}
}
