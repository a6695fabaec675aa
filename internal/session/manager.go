package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/berth-dev/keel/internal/config"
	"github.com/berth-dev/keel/internal/directive"
	auditlog "github.com/berth-dev/keel/internal/log"
	"github.com/berth-dev/keel/internal/runtime"
	"github.com/berth-dev/keel/internal/workitem"
	"github.com/berth-dev/keel/prompts"
)

const persistTimeout = 10 * time.Second

// Options configures a Manager. Runtime, Entities and Chat are required.
type Options struct {
	Runtime     runtime.Runtime
	Entities    EntityStore
	Chat        ChatStore
	Parser      DirectiveParser
	Broadcaster Broadcaster
	Workdirs    WorkdirResolver

	Config       config.SessionConfig
	AllowedTools []string
	SystemPrompt string

	Audit   *auditlog.Logger
	Logger  *slog.Logger
	Metrics *Metrics

	Sessions *Registry
	Sinks    *SinkRegistry
	Now      func() time.Time
}

// StartOptions selects what a new session runs.
type StartOptions struct {
	// PhaseID defaults to the first incomplete phase.
	PhaseID string
	UserID  string
	// Message is an optional user message included in the phase prompt.
	Message string
	// PauseBetweenPhases overrides the configured default when non-nil.
	PauseBetweenPhases *bool
}

// Manager is the session lifecycle API.
type Manager struct {
	runtime      runtime.Runtime
	entities     EntityStore
	chat         ChatStore
	parser       DirectiveParser
	broadcaster  Broadcaster
	workdirs     WorkdirResolver
	cfg          config.SessionConfig
	allowedTools []string
	systemPrompt string
	auditLog     *auditlog.Logger
	logger       *slog.Logger
	metrics      *Metrics
	sessions     *Registry
	sinks        *SinkRegistry
	now          func() time.Time

	// lifecycle serializes calls that create or restart turns.
	lifecycle sync.Mutex
	baseCtx   context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager creates a Manager from opts, filling in defaults.
func NewManager(opts Options) (*Manager, error) {
	if opts.Runtime == nil || opts.Entities == nil || opts.Chat == nil {
		return nil, errors.New("session manager requires a runtime, an entity store and a chat store")
	}

	cfg := opts.Config
	defaults := config.DefaultConfig().Session
	if cfg.MailboxLimit <= 0 {
		cfg.MailboxLimit = defaults.MailboxLimit
	}
	if cfg.MailboxTrimTo <= 0 || cfg.MailboxTrimTo > cfg.MailboxLimit {
		cfg.MailboxTrimTo = min(defaults.MailboxTrimTo, cfg.MailboxLimit)
	}
	if cfg.DirectiveDedup == "" {
		cfg.DirectiveDedup = defaults.DirectiveDedup
	}
	if cfg.ToolOutputLimit <= 0 {
		cfg.ToolOutputLimit = defaults.ToolOutputLimit
	}

	m := &Manager{
		runtime:      opts.Runtime,
		entities:     opts.Entities,
		chat:         opts.Chat,
		parser:       opts.Parser,
		broadcaster:  opts.Broadcaster,
		workdirs:     opts.Workdirs,
		cfg:          cfg,
		allowedTools: opts.AllowedTools,
		systemPrompt: opts.SystemPrompt,
		auditLog:     opts.Audit,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		sessions:     opts.Sessions,
		sinks:        opts.Sinks,
		now:          opts.Now,
	}
	if m.parser == nil {
		m.parser = directive.NewParser()
	}
	if m.workdirs == nil {
		m.workdirs = DirResolver{Root: cfg.WorkspaceRoot}
	}
	if m.systemPrompt == "" {
		m.systemPrompt = prompts.ExecutorSystemPrompt
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.sessions == nil {
		m.sessions = NewRegistry()
	}
	if m.sinks == nil {
		m.sinks = NewSinkRegistry()
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.baseCtx, m.stop = context.WithCancel(context.Background())
	return m, nil
}

// Close cancels every running turn and waits for the loops to exit.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

// Start begins a new session for a work item, replacing any previous record.
// Undelivered events of the replaced record carry over to the new one.
func (m *Manager) Start(ctx context.Context, workItemID string, opts StartOptions) (Snapshot, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.start(ctx, workItemID, opts)
}

func (m *Manager) start(ctx context.Context, workItemID string, opts StartOptions) (Snapshot, error) {
	item, err := m.entities.GetWorkItem(ctx, workItemID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading work item %s: %w", workItemID, err)
	}
	if len(item.Phases) == 0 {
		return Snapshot{}, fmt.Errorf("%s: %w", workItemID, ErrNoPhases)
	}

	var phase *workitem.Phase
	if opts.PhaseID != "" {
		p, ok := item.Phase(opts.PhaseID)
		if !ok {
			return Snapshot{}, fmt.Errorf("%s in %s: %w", opts.PhaseID, workItemID, ErrPhaseNotFound)
		}
		phase = p
	} else {
		phase, _ = item.FirstIncompletePhase()
	}

	pause := m.cfg.PauseBetweenPhases
	if opts.PauseBetweenPhases != nil {
		pause = *opts.PauseBetweenPhases
	}

	s, err := m.replace(workItemID, phase.ID, opts.UserID, pause)
	if err != nil {
		return Snapshot{}, err
	}
	defer s.mu.Unlock()
	s.progressPercent = item.Execution.ProgressPercent

	workdir, err := m.workdirs.Resolve(item)
	if err != nil {
		if !errors.Is(err, ErrInvalidWorkdir) {
			err = fmt.Errorf("%w: %v", ErrInvalidWorkdir, err)
		}
		m.fail(s, nil, err)
		return s.snapshot(), err
	}

	prompt, err := BuildPhasePrompt(item, phase, opts.Message)
	if err != nil {
		m.fail(s, nil, err)
		return s.snapshot(), err
	}

	now := m.now()
	s.startedAt = now
	m.beginTurn(s, prompt, workdir, func(e *workitem.Execution) {
		e.StartedAt = &now
		e.CurrentPhaseID = phase.ID
		e.CurrentTaskID = ""
		e.PauseBetweenPhases = pause
		e.NextPhaseID = ""
	})
	m.audit(s, auditlog.EventSessionStarted, nil)
	return s.snapshot(), nil
}

// replace installs a fresh session record for workItemID and returns it
// locked. It refuses while a consumption loop still owns the current record.
func (m *Manager) replace(workItemID, phaseID, userID string, pause bool) (*Session, error) {
	prev, ok := m.sessions.Get(workItemID)
	if !ok {
		s := newSession(workItemID, phaseID, userID, pause, newMailbox(m.cfg.MailboxLimit, m.cfg.MailboxTrimTo), m.now())
		s.clientConnected = m.sinks.Has(workItemID)
		s.mu.Lock()
		m.sessions.Set(workItemID, s)
		return s, nil
	}

	prev.mu.Lock()
	defer prev.mu.Unlock()
	if prev.status == StatusRunning && prev.liveLoop() {
		return nil, fmt.Errorf("%s: %w", workItemID, ErrSessionRunning)
	}
	if prev.turn != nil {
		// A paused or blocked turn may still be streaming; keep what it produced.
		if prev.liveLoop() && (prev.status == StatusPaused || prev.status == StatusBlocked) {
			m.completePending(prev)
			m.flush(prev)
			m.endTurn(prev.turn, string(prev.status))
		}
		prev.turn.cancel()
	}

	mb := prev.mailbox
	prev.mailbox = newMailbox(m.cfg.MailboxLimit, m.cfg.MailboxTrimTo)

	s := newSession(workItemID, phaseID, userID, pause, mb, m.now())
	s.clientConnected = m.sinks.Has(workItemID)
	s.mu.Lock()
	m.sessions.Set(workItemID, s)
	return s, nil
}

// beginTurn marks s running, persists the execution state, and launches the
// consumption loop. Must be called with s.mu held.
func (m *Manager) beginTurn(s *Session, prompt, workdir string, persist func(*workitem.Execution)) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	t := &turn{ctx: ctx, cancel: cancel, active: true}

	s.turn = t
	s.turnID = uuid.New().String()
	s.status = StatusRunning
	s.stopReason = workitem.StopRunning
	s.block = nil
	s.continueWith = ""
	s.lastError = ""
	s.pendingTools = nil
	s.resetTurn()

	m.updateExecution(s, func(e *workitem.Execution) {
		if persist != nil {
			persist(e)
		}
		e.StopReason = workitem.StopRunning
		e.WaitingForFeedback = false
		e.LastError = ""
	})
	m.emitState(s)
	m.metrics.turnStarted()

	req := runtime.Request{
		Prompt:       prompt,
		SystemPrompt: m.systemPrompt,
		WorkDir:      workdir,
		AllowedTools: m.allowedTools,
	}
	m.wg.Add(1)
	go m.run(s, t, req)
}

// run is the single consumption loop of one turn.
func (m *Manager) run(s *Session, t *turn, req runtime.Request) {
	defer m.wg.Done()

	chunks, err := m.runtime.Stream(t.ctx, req)
	if err != nil {
		s.mu.Lock()
		if t.ctx.Err() == nil {
			m.fail(s, t, fmt.Errorf("starting runtime: %w", err))
		} else {
			m.endTurn(t, "cancelled")
		}
		s.mu.Unlock()
		return
	}

	for {
		var chunk runtime.Chunk
		var ok bool
		select {
		case <-t.ctx.Done():
			m.cancelled(s, t)
			return
		case chunk, ok = <-chunks:
		}
		if !ok {
			break
		}

		s.mu.Lock()
		if t.ctx.Err() != nil {
			s.mu.Unlock()
			m.cancelled(s, t)
			return
		}
		if err := m.consume(s, chunk); err != nil {
			m.fail(s, t, err)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}

	if next := m.finishTurn(s, t); next != "" {
		m.continueAfterDelay(s, t, next)
	}
}

func (m *Manager) cancelled(s *Session, t *turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.endTurn(t, "cancelled")
}

// endTurn records the end of a turn once. Must be called with s.mu held.
func (m *Manager) endTurn(t *turn, outcome string) {
	if !t.active {
		return
	}
	t.active = false
	m.metrics.turnEnded(outcome)
}

// finishTurn flushes the turn and applies the end-of-turn transition. It
// returns the phase to auto-continue with, if any.
func (m *Manager) finishTurn(s *Session, t *turn) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ctx.Err() != nil || s.turn != t {
		m.endTurn(t, "cancelled")
		return ""
	}

	m.completePending(s)
	messageID := s.turnID
	m.flush(s)

	switch s.status {
	case StatusRunning:
		if next := s.continueWith; next != "" {
			s.continueWith = ""
			m.endTurn(t, "continued")
			return next
		}
		s.status = StatusCompleted
		s.stopReason = workitem.StopTurnComplete
		m.updateExecution(s, func(e *workitem.Execution) {
			e.StopReason = workitem.StopTurnComplete
			e.WaitingForFeedback = true
		})
		m.audit(s, auditlog.EventSessionCompleted, nil)
		m.dispatchOrQueue(s, Event{Kind: EventComplete, MessageID: messageID, Payload: CompletePayload{StopReason: s.stopReason, MessageID: messageID}})
		m.endTurn(t, "completed")

	case StatusCompleted:
		m.audit(s, auditlog.EventSessionCompleted, nil)
		m.dispatchOrQueue(s, Event{Kind: EventComplete, MessageID: messageID, Payload: CompletePayload{StopReason: s.stopReason, MessageID: messageID}})
		m.endTurn(t, "completed")

	default:
		m.endTurn(t, string(s.status))
	}
	t.cancel()
	return ""
}

// continueAfterDelay starts the next phase once the configured delay has
// passed, unless the session was aborted or replaced meanwhile.
func (m *Manager) continueAfterDelay(s *Session, t *turn, next string) {
	timer := time.NewTimer(m.cfg.ContinueDelay())
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
		return
	case <-timer.C:
	}

	if cur, ok := m.sessions.Get(s.workItemID); !ok || cur != s {
		return
	}
	s.mu.Lock()
	if s.status != StatusRunning || s.turn != t {
		s.mu.Unlock()
		return
	}
	pause := s.pauseBetweenPhases
	userID := s.userID
	s.mu.Unlock()

	_, err := m.Start(m.baseCtx, s.workItemID, StartOptions{PhaseID: next, UserID: userID, PauseBetweenPhases: &pause})
	if err == nil {
		return
	}
	m.logger.Error("auto-continue failed", "entity", s.workItemID, "phase", next, "error", err)

	// Start failed before replacing the record; do not leave it running.
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := m.sessions.Get(s.workItemID); ok && cur == s && s.status == StatusRunning && s.turn == t {
		m.fail(s, t, fmt.Errorf("continuing with phase %s: %w", next, err))
	}
}

// fail moves s to error. t is nil when no turn was running yet.
// Persistence failures here are logged and never replace err.
// Must be called with s.mu held.
func (m *Manager) fail(s *Session, t *turn, err error) {
	if t != nil {
		t.cancel()
		m.endTurn(t, "error")
	}
	m.logger.Error("session failed", "entity", s.workItemID, "phase", s.phaseID, "error", err)

	s.status = StatusError
	s.stopReason = workitem.StopError
	s.lastError = err.Error()
	s.continueWith = ""

	m.updateExecution(s, func(e *workitem.Execution) {
		e.StopReason = workitem.StopError
		e.WaitingForFeedback = false
		e.LastError = err.Error()
	})

	ctx, cancel := m.persistCtx()
	defer cancel()
	msg := &workitem.Message{
		WorkItemID: s.workItemID,
		Role:       workitem.RoleSystem,
		Content:    fmt.Sprintf("Execution failed: %v", err),
		CreatedAt:  m.now(),
	}
	if perr := m.chat.AppendMessage(ctx, msg); perr != nil {
		m.logger.Warn("saving error message", "entity", s.workItemID, "error", perr)
	}

	m.audit(s, auditlog.EventSessionError, func(e *auditlog.LogEvent) {
		e.Error = err.Error()
	})
	m.dispatchOrQueue(s, Event{Kind: EventError, MessageID: s.turnID, Payload: ErrorPayload{Error: err.Error()}})
	m.emitState(s)
}

// Abort stops the running turn. Nothing further from that turn is saved.
func (m *Manager) Abort(ctx context.Context, workItemID string) (Snapshot, error) {
	s, ok := m.sessions.Get(workItemID)
	if !ok {
		return Snapshot{}, fmt.Errorf("%s: %w", workItemID, ErrSessionNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusRunning, StatusPaused, StatusBlocked:
	default:
		return s.snapshot(), nil
	}

	if s.turn != nil {
		s.turn.cancel()
		m.endTurn(s.turn, "cancelled")
	}
	s.status = StatusIdle
	s.stopReason = workitem.StopPausedByUser
	s.block = nil
	s.continueWith = ""
	s.pendingTools = nil
	s.resetTurn()

	m.updateExecution(s, func(e *workitem.Execution) {
		e.StopReason = workitem.StopPausedByUser
		e.WaitingForFeedback = false
	})
	m.audit(s, auditlog.EventSessionAborted, nil)
	m.emitState(s)
	return s.snapshot(), nil
}

// ResumeWithFeedback answers a blocked session and starts a new turn with
// feedback as the prompt.
func (m *Manager) ResumeWithFeedback(ctx context.Context, workItemID, feedback, userID string) (Snapshot, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.resume(ctx, workItemID, feedback, userID)
}

func (m *Manager) resume(ctx context.Context, workItemID, feedback, userID string) (Snapshot, error) {
	s, ok := m.sessions.Get(workItemID)
	if !ok {
		return Snapshot{}, fmt.Errorf("%s: %w", workItemID, ErrSessionNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusBlocked {
		return s.snapshot(), fmt.Errorf("%s is %s: %w", workItemID, s.status, ErrNotBlocked)
	}

	item, err := m.entities.GetWorkItem(ctx, workItemID)
	if err != nil {
		return s.snapshot(), fmt.Errorf("loading work item %s: %w", workItemID, err)
	}

	// A blocked turn may still be streaming; keep what it produced.
	if s.turn != nil {
		s.turn.cancel()
		m.completePending(s)
		m.flush(s)
		m.endTurn(s.turn, string(StatusBlocked))
	}

	m.saveUserMessage(ctx, workItemID, feedback, userID)
	if userID != "" {
		s.userID = userID
	}

	workdir, err := m.workdirs.Resolve(item)
	if err != nil {
		if !errors.Is(err, ErrInvalidWorkdir) {
			err = fmt.Errorf("%w: %v", ErrInvalidWorkdir, err)
		}
		m.fail(s, nil, err)
		return s.snapshot(), err
	}

	m.audit(s, auditlog.EventSessionResumed, nil)
	m.beginTurn(s, feedback, workdir, nil)
	return s.snapshot(), nil
}

// Continue starts the next phase of a session paused between phases.
func (m *Manager) Continue(ctx context.Context, workItemID string) (Snapshot, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	s, ok := m.sessions.Get(workItemID)
	if !ok {
		return Snapshot{}, fmt.Errorf("%s: %w", workItemID, ErrSessionNotFound)
	}
	s.mu.Lock()
	if s.status != StatusPaused {
		snap := s.snapshot()
		s.mu.Unlock()
		return snap, fmt.Errorf("%s is %s: %w", workItemID, snap.Status, ErrNotPaused)
	}
	next := s.nextPhaseID
	pause := s.pauseBetweenPhases
	userID := s.userID
	s.mu.Unlock()

	if next == "" {
		item, err := m.entities.GetWorkItem(ctx, workItemID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("loading work item %s: %w", workItemID, err)
		}
		next = item.Execution.NextPhaseID
	}
	return m.start(ctx, workItemID, StartOptions{PhaseID: next, UserID: userID, PauseBetweenPhases: &pause})
}

// SendMessage handles a user message. A blocked session is resumed with it,
// a running turn only records it in the chat history, and otherwise a new
// session starts on the first incomplete phase without pausing between phases.
func (m *Manager) SendMessage(ctx context.Context, workItemID, text, userID string) (Snapshot, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	status := StatusIdle
	s, ok := m.sessions.Get(workItemID)
	if ok {
		s.mu.Lock()
		status = s.status
		s.mu.Unlock()
	}

	switch status {
	case StatusBlocked:
		return m.resume(ctx, workItemID, text, userID)

	case StatusRunning:
		m.saveUserMessage(ctx, workItemID, text, userID)
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.snapshot(), nil
	}

	m.saveUserMessage(ctx, workItemID, text, userID)
	noPause := false
	return m.start(ctx, workItemID, StartOptions{UserID: userID, Message: text, PauseBetweenPhases: &noPause})
}

func (m *Manager) saveUserMessage(ctx context.Context, workItemID, text, userID string) {
	msg := &workitem.Message{
		WorkItemID: workItemID,
		Role:       workitem.RoleUser,
		Content:    text,
		UserID:     userID,
		CreatedAt:  m.now(),
	}
	if err := m.chat.AppendMessage(ctx, msg); err != nil {
		m.logger.Warn("saving user message", "entity", workItemID, "error", err)
	}
}

// RegisterClient attaches sink to a work item. Queued events are replayed to
// it in order before any live event.
func (m *Manager) RegisterClient(workItemID string, sink Sink) error {
	for {
		s, ok := m.sessions.Get(workItemID)
		if !ok {
			m.sinks.Register(workItemID, sink)
			return nil
		}

		s.mu.Lock()
		if cur, _ := m.sessions.Get(workItemID); cur != s {
			// Replaced while we waited for the lock.
			s.mu.Unlock()
			continue
		}
		err := m.attach(s, sink)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("replaying events to %s: %w", workItemID, err)
		}
		return nil
	}
}

// UnregisterClient detaches sink. A running turn is not affected.
func (m *Manager) UnregisterClient(workItemID string, sink Sink) {
	if !m.sinks.Unregister(workItemID, sink) {
		return
	}
	if s, ok := m.sessions.Get(workItemID); ok {
		s.mu.Lock()
		m.detach(s)
		s.mu.Unlock()
	}
}

// Status returns a snapshot of the work item's session.
func (m *Manager) Status(workItemID string) (Snapshot, bool) {
	s, ok := m.sessions.Get(workItemID)
	if !ok {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), true
}

// Sessions returns snapshots of every known session.
func (m *Manager) Sessions() []Snapshot {
	all := m.sessions.All()
	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, s.snapshot())
		s.mu.Unlock()
	}
	return out
}

// Reap evicts terminal sessions with no attached client and no activity for
// maxAge. It returns the number of sessions removed.
func (m *Manager) Reap(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := m.now().Add(-maxAge)
	removed := 0
	for id, s := range m.sessions.All() {
		s.mu.Lock()
		evict := s.status.Terminal() && !s.clientConnected && !s.liveLoop() && s.lastActive.Before(cutoff)
		if evict && m.sessions.DeleteIf(id, s) {
			removed++
			m.logger.Debug("reaped session", "entity", id, "status", s.status)
		}
		s.mu.Unlock()
	}
	return removed
}

// updateExecution persists execution state and broadcasts the updated work
// item. Failures are logged. Must be called with s.mu held.
func (m *Manager) updateExecution(s *Session, fn func(*workitem.Execution)) {
	ctx, cancel := m.persistCtx()
	defer cancel()
	item, err := m.entities.UpdateExecution(ctx, s.workItemID, fn)
	if err != nil {
		m.logger.Warn("persisting execution state", "entity", s.workItemID, "error", err)
		return
	}
	m.broadcast(item)
}

func (m *Manager) broadcast(item *workitem.WorkItem) {
	if m.broadcaster == nil || item == nil {
		return
	}
	m.broadcaster.BroadcastWorkItem(item.ID, item)
}

// audit appends a lifecycle event to the audit log. Must be called with s.mu held.
func (m *Manager) audit(s *Session, event string, fill func(*auditlog.LogEvent)) {
	if m.auditLog == nil {
		return
	}
	ev := auditlog.LogEvent{
		Event:        event,
		WorkItemID:   s.workItemID,
		PhaseID:      s.phaseID,
		Status:       string(s.status),
		Progress:     s.progressPercent,
		InputTokens:  s.tokens.InputTokens,
		OutputTokens: s.tokens.OutputTokens,
	}
	if fill != nil {
		fill(&ev)
	}
	if err := m.auditLog.Append(ev); err != nil {
		m.logger.Warn("writing audit log", "entity", s.workItemID, "error", err)
	}
}

func (m *Manager) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), persistTimeout)
}
