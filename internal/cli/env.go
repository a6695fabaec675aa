package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/berth-dev/keel/internal/config"
	auditlog "github.com/berth-dev/keel/internal/log"
	"github.com/berth-dev/keel/internal/runtime"
	"github.com/berth-dev/keel/internal/session"
	"github.com/berth-dev/keel/internal/store"
)

const dbFile = "keel.db"

// env is the opened project: config, data directory and stores.
type env struct {
	root    string
	cfg     *config.Config
	dataDir string
	store   *store.Store
	audit   *auditlog.Logger
	logger  *slog.Logger
}

func resolveRoot() (string, error) {
	if projectDir != "" {
		return filepath.Abs(projectDir)
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return dir, nil
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openEnv reads the project config and opens its stores.
func openEnv(root string, logger *slog.Logger) (*env, error) {
	if _, err := os.Stat(filepath.Join(root, ".keel")); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf(".keel/ not found in %s. Run 'keel init' first", root)
	}
	cfg, err := config.ReadConfig(root)
	if err != nil {
		return nil, err
	}

	dataDir := cfg.ResolveDataDir(root)
	audit, err := auditlog.NewLogger(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	db, err := store.Open(filepath.Join(dataDir, dbFile))
	if err != nil {
		return nil, err
	}

	if cfg.Session.WorkspaceRoot == "" {
		cfg.Session.WorkspaceRoot = root
	} else if !filepath.IsAbs(cfg.Session.WorkspaceRoot) {
		cfg.Session.WorkspaceRoot = filepath.Join(root, cfg.Session.WorkspaceRoot)
	}

	return &env{root: root, cfg: cfg, dataDir: dataDir, store: db, audit: audit, logger: logger}, nil
}

func (e *env) Close() error {
	return e.store.Close()
}

// newManager wires a session manager to the project's stores.
func (e *env) newManager(rt runtime.Runtime, b session.Broadcaster, metrics *session.Metrics) (*session.Manager, error) {
	return session.NewManager(session.Options{
		Runtime:      rt,
		Entities:     e.store,
		Chat:         e.store,
		Broadcaster:  b,
		Config:       e.cfg.Session,
		AllowedTools: e.cfg.Runtime.AllowedTools,
		Audit:        e.audit,
		Logger:       e.logger,
		Metrics:      metrics,
	})
}
