// init.go implements the "keel init" command.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/berth-dev/keel/internal/config"
	"github.com/berth-dev/keel/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize keel in the current project",
	Long: `Create the .keel/ directory with a default config.yaml and an empty
work item database, and add keel's runtime files to .gitignore.`,
	RunE: runInit,
}

var forceInit bool

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing config without asking")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := resolveRoot()
	if err != nil {
		return err
	}

	keelDir := filepath.Join(dir, ".keel")
	if info, statErr := os.Stat(keelDir); statErr == nil && info.IsDir() && !forceInit {
		fmt.Fprintln(cmd.OutOrStdout(), "Warning: .keel/ directory already exists.")
		fmt.Fprint(cmd.OutOrStdout(), "Reinitialize? [y/N]: ")
		answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}

	return initProject(dir, cmd.OutOrStdout())
}

// initProject writes the default config, creates the database, and updates
// .gitignore.
func initProject(dir string, out io.Writer) error {
	cfg := config.DefaultConfig()
	if err := config.WriteConfig(dir, cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	dataDir := cfg.ResolveDataDir(dir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	db, err := store.Open(filepath.Join(dataDir, dbFile))
	if err != nil {
		return err
	}
	db.Close()

	if err := ensureGitignore(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to set up .gitignore: %v\n", err)
	}

	fmt.Fprintf(out, "Initialized keel in %s\n", filepath.Join(dir, ".keel"))
	fmt.Fprintln(out, "Next: keel add plan.md, then keel serve or keel run <id>")
	return nil
}

// ensureGitignore appends keel's runtime files to .gitignore, skipping
// entries that are already present.
func ensureGitignore(dir string) error {
	gitignorePath := filepath.Join(dir, ".gitignore")

	// config.yaml is committed; the database, logs and lock are not.
	requiredEntries := []string{
		".keel/keel.db",
		".keel/keel.db-*",
		".keel/log.jsonl",
		".keel/serve.lock",
	}

	existing := ""
	if data, err := os.ReadFile(gitignorePath); err == nil {
		existing = string(data)
	}

	var missing []string
	for _, entry := range requiredEntries {
		if !strings.Contains(existing, entry) {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var toAppend strings.Builder
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		toAppend.WriteString("\n")
	}
	if existing != "" {
		toAppend.WriteString("\n# Added by keel init\n")
	}
	for _, entry := range missing {
		toAppend.WriteString(entry + "\n")
	}

	f, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening .gitignore: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(toAppend.String()); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}
	return nil
}
