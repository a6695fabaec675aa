package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/keel/internal/config"
	"github.com/berth-dev/keel/internal/testutil"
	"github.com/berth-dev/keel/internal/workitem"
)

// recordingSink collects delivered events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (r *recordingSink) Send(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("connection closed")
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingSink) Kinds() []EventKind {
	var kinds []EventKind
	for _, e := range r.Events() {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (r *recordingSink) OfKind(kind EventKind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	m     *Manager
	rt    *testutil.ScriptedRuntime
	store *testutil.MemoryStore
	dir   string
}

func newHarness(t *testing.T, cfgFn func(*config.SessionConfig), items ...*workitem.WorkItem) *harness {
	t.Helper()
	dir := t.TempDir()
	for _, it := range items {
		if it.WorkingDir == "" {
			it.WorkingDir = dir
		}
	}

	cfg := config.DefaultConfig().Session
	cfg.AutoContinueDelay = 10
	if cfgFn != nil {
		cfgFn(&cfg)
	}

	rt := testutil.NewScriptedRuntime()
	st := testutil.NewMemoryStore(items...)
	m, err := NewManager(Options{
		Runtime:  rt,
		Entities: st,
		Chat:     st,
		Config:   cfg,
		Metrics:  MustNewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return &harness{m: m, rt: rt, store: st, dir: dir}
}

// runningSession installs a running session without a turn, for driving
// consume directly.
func (h *harness) runningSession(id string) *Session {
	s := newSession(id, "p1", "u1", false, newMailbox(h.m.cfg.MailboxLimit, h.m.cfg.MailboxTrimTo), time.Now())
	s.status = StatusRunning
	s.turnID = "turn-1"
	h.m.sessions.Set(id, s)
	return s
}

func (h *harness) waitStatus(t *testing.T, id string, want Status) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		var ok bool
		snap, ok = h.m.Status(id)
		return ok && snap.Status == want
	}, 3*time.Second, 5*time.Millisecond, "waiting for status %s", want)
	return snap
}

func queued(s *Session) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.mailbox.events))
	copy(out, s.mailbox.events)
	return out
}

func boolPtr(b bool) *bool { return &b }
