// serve.go implements the "keel serve" command: the HTTP/WebSocket API with
// background sessions.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/berth-dev/keel/internal/runtime"
	"github.com/berth-dev/keel/internal/server"
	"github.com/berth-dev/keel/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the work item API and run sessions in the background",
	Long: `Start the HTTP and WebSocket API. Sessions keep running when clients
disconnect; their events are queued and replayed on reconnect. Only one
server may use a data directory at a time.`,
	RunE: runServe,
}

const (
	shutdownTimeout = 10 * time.Second
	minReapInterval = time.Minute
)

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default: server.addr from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot()
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr())
	e, err := openEnv(root, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	lock := flock.New(filepath.Join(e.dataDir, "serve.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking data directory: %w", err)
	}
	if !locked {
		return fmt.Errorf("another keel server is using %s", e.dataDir)
	}
	defer lock.Unlock()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := server.NewHub()
	mgr, err := e.newManager(runtime.NewClaude(e.cfg.Runtime, logger), hub, session.MustNewMetrics(reg))
	if err != nil {
		return err
	}
	defer mgr.Close()

	srv, err := server.New(server.Options{
		Manager:        mgr,
		Store:          e.store,
		Hub:            hub,
		Gatherer:       reg,
		AllowedOrigins: e.cfg.Server.AllowedOrigins,
		WorkspaceRoot:  e.cfg.Session.WorkspaceRoot,
		Logger:         logger,
		Debug:          e.cfg.Server.Debug,
	})
	if err != nil {
		return err
	}

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = e.cfg.Server.Addr
	}
	if err := srv.Listen(addr); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		reapLoop(gctx, mgr, e.cfg.Session.ReapAfter())
		return nil
	})

	fmt.Fprintf(cmd.OutOrStdout(), "keel serving %s on http://%s\n", root, srv.Addr())
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// reapLoop evicts stale sessions until ctx is done. maxAge zero disables it.
func reapLoop(ctx context.Context, mgr *session.Manager, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	interval := max(maxAge/2, minReapInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.Reap(maxAge)
		}
	}
}
