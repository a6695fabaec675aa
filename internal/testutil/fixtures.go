// Package testutil provides fixtures and fakes shared by keel tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/berth-dev/keel/internal/workitem"
)

// TempProject creates a temporary directory with the given files and returns its path.
// Files is a map of relative path -> content. Directories are created as needed.
// The directory is automatically cleaned up when the test finishes.
func TempProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	for relPath, content := range files {
		absPath := filepath.Join(dir, relPath)
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			t.Fatalf("creating directory for %s: %v", relPath, err)
		}
		if err := os.WriteFile(absPath, []byte(content), 0644); err != nil {
			t.Fatalf("writing %s: %v", relPath, err)
		}
	}

	return dir
}

// WorkItem returns a work item with the given number of phases, two open
// tasks each. Phase ids are p1..pN and task ids t1..t2N.
func WorkItem(id, workingDir string, phases int) *workitem.WorkItem {
	item := &workitem.WorkItem{
		ID:         id,
		Title:      "Add OAuth with Google",
		WorkingDir: workingDir,
	}
	task := 1
	for i := 1; i <= phases; i++ {
		p := workitem.Phase{ID: fmt.Sprintf("p%d", i), Title: fmt.Sprintf("Phase %d", i)}
		for j := 0; j < 2; j++ {
			p.Tasks = append(p.Tasks, workitem.Task{ID: fmt.Sprintf("t%d", task), Title: fmt.Sprintf("Task %d", task)})
			task++
		}
		item.Phases = append(item.Phases, p)
	}
	return item
}

// PlanMarkdown is a two-phase plan accepted by the plan parser.
const PlanMarkdown = `# Add OAuth with Google

Implements Google sign-in.

## p1: Backend
- [ ] t1: Add Google provider to auth store
- [ ] t2: Register OAuth client

## p2: Frontend
- [ ] t3: Add login button
- [ ] t4: Handle redirect
`
