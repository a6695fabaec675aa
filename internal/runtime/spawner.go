// spawner.go spawns the Claude CLI for a single turn and streams its output.
package runtime

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/berth-dev/keel/internal/config"
)

// maxLineSize bounds a single stream-json line. Tool results can be large.
const maxLineSize = 16 * 1024 * 1024

// Claude runs turns through the Claude CLI in stream-json mode.
type Claude struct {
	command   string
	model     string
	tools     []string
	extraArgs []string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewClaude builds a Claude runtime from the runtime section of the config.
func NewClaude(cfg config.RuntimeConfig, logger *slog.Logger) *Claude {
	if logger == nil {
		logger = slog.Default()
	}
	return &Claude{
		command:   cfg.Command,
		model:     cfg.Model,
		tools:     cfg.AllowedTools,
		extraArgs: cfg.ExtraArgs,
		timeout:   cfg.TurnTimeout(),
		logger:    logger,
	}
}

// Stream starts the CLI and returns a channel of parsed chunks. The channel is
// closed after the process exits. A non-zero exit that was not caused by ctx
// is reported as a final ChunkError carrying stderr.
func (c *Claude) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)

	cmd := exec.CommandContext(runCtx, c.command, c.buildArgs(req)...)
	cmd.Dir = req.WorkDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening claude stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting claude: %w", err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer cancel()

		readErr := c.pump(runCtx, stdout, out)
		waitErr := cmd.Wait()

		// The consumer asked us to stop; nothing more to report.
		if ctx.Err() != nil {
			return
		}

		var failure error
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			failure = fmt.Errorf("claude timed out after %s", c.timeout)
		case waitErr != nil:
			failure = fmt.Errorf("claude exited with error: %w\nstderr: %s", waitErr, strings.TrimSpace(stderr.String()))
		case readErr != nil:
			failure = fmt.Errorf("reading claude output: %w", readErr)
		}
		if failure != nil {
			send(ctx, out, Chunk{Type: ChunkError, Err: failure})
		}
	}()

	return out, nil
}

// pump reads stdout line by line and forwards parsed chunks until EOF or
// cancellation. Unparseable lines are logged and skipped.
func (c *Claude) pump(ctx context.Context, r io.Reader, out chan<- Chunk) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		chunk, ok, err := ParseStreamLine(scanner.Bytes())
		if err != nil {
			c.logger.Warn("skipping malformed stream line", "error", err)
			continue
		}
		if !ok {
			continue
		}
		if !send(ctx, out, chunk) {
			// Drain so the process is not blocked on a full pipe while it dies.
			_, _ = io.Copy(io.Discard, r)
			return nil
		}
	}
	return scanner.Err()
}

func send(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// buildArgs constructs the CLI argument slice for a turn.
func (c *Claude) buildArgs(req Request) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}

	tools := req.AllowedTools
	if len(tools) == 0 {
		tools = c.tools
	}
	if len(tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(tools, ","))
	}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}

	return append(args, c.extraArgs...)
}
