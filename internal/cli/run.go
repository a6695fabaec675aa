// run.go implements the "keel run" command, which drives one work item's
// session in the foreground and prompts on stdin when it needs input.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/berth-dev/keel/internal/runtime"
	"github.com/berth-dev/keel/internal/session"
	"github.com/berth-dev/keel/internal/ui"
	"github.com/berth-dev/keel/internal/workitem"
)

var runCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a work item's session in the foreground",
	Long: `Start a session for a work item and stream its output. When the agent
is blocked you are asked for feedback; when a phase finishes with
--pause you are asked before the next one starts.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runPhase   string
	runPause   bool
	runMessage string
	runYes     bool
)

func init() {
	runCmd.Flags().StringVar(&runPhase, "phase", "", "Phase to start with (default: first incomplete)")
	runCmd.Flags().BoolVar(&runPause, "pause", false, "Pause between phases")
	runCmd.Flags().StringVar(&runMessage, "message", "", "Extra instructions for the first turn")
	runCmd.Flags().BoolVar(&runYes, "yes", false, "Continue paused phases without asking")
}

var errInputClosed = errors.New("input closed")

func runRun(cmd *cobra.Command, args []string) error {
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

	item, err := e.store.GetWorkItem(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	mgr, err := e.newManager(runtime.NewClaude(e.cfg.Runtime, logger), nil, nil)
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &headless{
		mgr:     mgr,
		id:      item.ID,
		display: ui.NewProgressDisplay(cmd.OutOrStdout(), item),
		out:     cmd.OutOrStdout(),
		in:      bufio.NewReader(cmd.InOrStdin()),
		autoYes: runYes,
		verbose: verbose,
		sink:    newQueueSink(),
	}
	return r.run(ctx, session.StartOptions{PhaseID: runPhase, Message: runMessage, PauseBetweenPhases: &runPause})
}

// headless follows one session from the terminal.
type headless struct {
	mgr      *session.Manager
	id       string
	display  *ui.ProgressDisplay
	out      io.Writer
	in       *bufio.Reader
	autoYes  bool
	verbose  bool
	sink     *queueSink
	lastText string
}

func (h *headless) run(ctx context.Context, opts session.StartOptions) error {
	if err := h.mgr.RegisterClient(h.id, h.sink); err != nil {
		return err
	}
	defer h.mgr.UnregisterClient(h.id, h.sink)

	h.display.Start()
	if _, err := h.mgr.Start(ctx, h.id, opts); err != nil {
		h.display.Finish("failed")
		return err
	}

	for {
		ev, err := h.sink.next(ctx)
		if err != nil {
			_, _ = h.mgr.Abort(context.Background(), h.id)
			h.display.Finish("interrupted")
			return nil
		}
		done, err := h.handle(ctx, ev)
		if err != nil || done {
			return err
		}
	}
}

// handle reacts to one event. done reports that the run is over.
func (h *headless) handle(ctx context.Context, ev session.Event) (done bool, err error) {
	switch p := ev.Payload.(type) {
	case session.TextChunkPayload:
		h.display.Print(p.Text)
		h.lastText = p.Text

	case session.ToolStartPayload:
		if h.verbose {
			h.display.Print(fmt.Sprintf("\n  -> %s\n", p.Name))
		}

	case session.TaskPayload:
		if ev.Kind == session.EventTaskComplete {
			h.display.TaskDone(p.PhaseID)
		}

	case session.PhaseCompletePayload:
		h.endParagraph()
		h.display.SetProgress(p.ProgressPercent)
		h.display.SetPhase(p.PhaseID, ui.PhaseDone)

	case session.BlockInfo:
		h.endParagraph()
		return h.onBlocked(ctx, p)

	case workitem.Idea:
		h.endParagraph()
		fmt.Fprintf(h.out, "Idea: %s\n", p.Title)

	case session.ErrorPayload:
		h.endParagraph()
		fmt.Fprintf(h.out, "Error: %s\n", p.Error)

	case session.StatePayload:
		return h.onState(ctx, p)

	case session.CompletePayload:
		h.endParagraph()
		if p.StopReason == workitem.StopAllComplete {
			h.display.Finish("completed")
			return true, nil
		}
		return h.onTurnComplete(ctx)
	}
	return false, nil
}

func (h *headless) onState(ctx context.Context, st session.StatePayload) (bool, error) {
	switch st.Status {
	case session.StatusRunning:
		h.display.SetPhase(st.PhaseID, ui.PhaseRunning)
	case session.StatusPaused:
		h.display.SetPhase(st.PhaseID, ui.PhasePaused)
		return h.onPaused(ctx, st.NextPhaseID)
	case session.StatusIdle:
		h.display.Finish("stopped")
		return true, nil
	case session.StatusError:
		h.display.SetPhase(st.PhaseID, ui.PhaseFailed)
		h.display.Finish("failed")
		snap, _ := h.mgr.Status(h.id)
		return true, fmt.Errorf("session failed: %s", snap.LastError)
	}
	return false, nil
}

func (h *headless) onBlocked(ctx context.Context, b session.BlockInfo) (bool, error) {
	snap, _ := h.mgr.Status(h.id)
	h.display.SetPhase(snap.PhaseID, ui.PhaseBlocked)

	fmt.Fprintf(h.out, "\nBlocked: %s\n", b.Reason)
	question := b.Question
	if question == "" {
		question = "How should I proceed?"
	}
	answer, err := h.ask(question + " ")
	if err != nil {
		return h.stop()
	}
	if answer == "" {
		return h.stop()
	}
	if _, err := h.mgr.ResumeWithFeedback(ctx, h.id, answer, ""); err != nil {
		return true, err
	}
	return false, nil
}

func (h *headless) onPaused(ctx context.Context, next string) (bool, error) {
	if !h.autoYes {
		answer, err := h.ask(fmt.Sprintf("\nPhase done. Continue with %s? [Y/n]: ", next))
		if err != nil {
			h.display.Finish("paused")
			return true, nil
		}
		if a := strings.ToLower(answer); a == "n" || a == "no" {
			h.display.Finish("paused")
			return true, nil
		}
	}
	if _, err := h.mgr.Continue(ctx, h.id); err != nil {
		return true, err
	}
	return false, nil
}

// onTurnComplete asks for a follow-up after a turn ended without finishing
// the work item. An empty reply ends the run.
func (h *headless) onTurnComplete(ctx context.Context) (bool, error) {
	answer, err := h.ask("\nReply (empty to exit): ")
	if err != nil || answer == "" {
		h.display.Finish("waiting for feedback")
		return true, nil
	}
	if _, err := h.mgr.SendMessage(ctx, h.id, answer, ""); err != nil {
		return true, err
	}
	return false, nil
}

func (h *headless) stop() (bool, error) {
	_, _ = h.mgr.Abort(context.Background(), h.id)
	h.display.Finish("stopped")
	return true, nil
}

func (h *headless) ask(prompt string) (string, error) {
	fmt.Fprint(h.out, prompt)
	line, err := h.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", errInputClosed
	}
	return strings.TrimSpace(line), nil
}

func (h *headless) endParagraph() {
	if h.lastText != "" && !strings.HasSuffix(h.lastText, "\n") {
		h.display.Print("\n")
	}
	h.lastText = ""
}

// queueSink is an unbounded in-process sink. Send never blocks, so the
// session loop is not held up while the terminal waits for input.
type queueSink struct {
	mu     sync.Mutex
	events []session.Event
	notify chan struct{}
}

func newQueueSink() *queueSink {
	return &queueSink{notify: make(chan struct{}, 1)}
}

func (q *queueSink) Send(e session.Event) error {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *queueSink) next(ctx context.Context) (session.Event, error) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			e := q.events[0]
			q.events = q.events[1:]
			q.mu.Unlock()
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return session.Event{}, ctx.Err()
		case <-q.notify:
		}
	}
}
