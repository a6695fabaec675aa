// add.go implements the "keel add" command, which imports a markdown plan
// as a work item.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/berth-dev/keel/internal/plan"
	"github.com/berth-dev/keel/internal/store"
	"github.com/berth-dev/keel/internal/workitem"
)

var addCmd = &cobra.Command{
	Use:   "add <plan.md>",
	Short: "Import a markdown plan as a work item",
	Long: `Parse a plan with a "# Title" heading, "## id: Phase" headings and
"- [ ] id: Task" lines, and store it as a work item.`,
	Args: cobra.ExactArgs(1),
	RunE: runAdd,
}

func init() {
	addCmd.Flags().String("id", "", "Work item id (default: generated)")
	addCmd.Flags().String("workdir", "", "Working directory for the agent (default: session.workspace_root)")
}

func runAdd(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot()
	if err != nil {
		return err
	}
	e, err := openEnv(root, newLogger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer e.Close()

	id, _ := cmd.Flags().GetString("id")
	workdir, _ := cmd.Flags().GetString("workdir")
	item, err := addPlan(cmd.Context(), e.store, args[0], id, workdir)
	if err != nil {
		return err
	}
	printAdded(cmd.OutOrStdout(), item)
	return nil
}

// addPlan parses the plan at path and stores it.
func addPlan(ctx context.Context, db *store.Store, path, id, workdir string) (*workitem.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	item, err := plan.ParsePlan(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	item.ID = id
	if workdir != "" {
		abs, err := filepath.Abs(workdir)
		if err != nil {
			return nil, fmt.Errorf("resolving workdir: %w", err)
		}
		item.WorkingDir = abs
	}
	if err := db.CreateWorkItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func printAdded(w io.Writer, item *workitem.WorkItem) {
	tasks := 0
	for _, p := range item.Phases {
		tasks += len(p.Tasks)
	}
	fmt.Fprintf(w, "Added work item %s: %s (%d phases, %d tasks)\n", item.ID, item.Title, len(item.Phases), tasks)
}
