package session

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/berth-dev/keel/internal/workitem"
)

// DirResolver uses the work item's directory, falling back to Root.
type DirResolver struct {
	Root string
}

// Resolve returns an absolute, existing directory for item.
func (r DirResolver) Resolve(item *workitem.WorkItem) (string, error) {
	dir := item.WorkingDir
	if dir == "" {
		dir = r.Root
	}
	if dir == "" {
		return "", fmt.Errorf("%w: none configured for %s", ErrInvalidWorkdir, item.ID)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidWorkdir, dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWorkdir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidWorkdir, abs)
	}
	return abs, nil
}
