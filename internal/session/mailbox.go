package session

// mailbox is the bounded, order-preserving buffer of events for a work item
// with no attached sink.
type mailbox struct {
	events []Event
	limit  int
	trimTo int
}

func newMailbox(limit, trimTo int) *mailbox {
	return &mailbox{limit: limit, trimTo: trimTo}
}

// push appends e, keeping only the most recent trimTo events once the
// length exceeds limit. It returns the number of events dropped.
func (m *mailbox) push(e Event) int {
	m.events = append(m.events, e)
	if len(m.events) <= m.limit {
		return 0
	}
	dropped := len(m.events) - m.trimTo
	kept := make([]Event, m.trimTo)
	copy(kept, m.events[dropped:])
	m.events = kept
	return dropped
}

func (m *mailbox) len() int {
	if m == nil {
		return 0
	}
	return len(m.events)
}

// dispatchOrQueue delivers e to the attached sink, or queues it. A sink that
// fails to accept the event is detached and the event is queued instead.
// Must be called with s.mu held.
func (m *Manager) dispatchOrQueue(s *Session, e Event) {
	e.WorkItemID = s.workItemID
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	s.lastActive = e.Timestamp

	if sink, ok := m.sinks.Get(s.workItemID); ok {
		err := sink.Send(e)
		if err == nil {
			m.metrics.event(e.Kind, "sent")
			return
		}
		m.logger.Warn("client sink failed; queueing", "entity", s.workItemID, "event", e.Kind, "error", err)
		m.sinks.Unregister(s.workItemID, sink)
		s.clientConnected = false
	}

	if dropped := s.mailbox.push(e); dropped > 0 {
		m.logger.Warn("mailbox trimmed", "entity", s.workItemID, "dropped", dropped)
		m.metrics.eventsDropped(dropped)
	}
	m.metrics.event(e.Kind, "queued")
}

// attach replays the mailbox to sink in order, clears it, and registers
// sink for live delivery. Must be called with s.mu held.
func (m *Manager) attach(s *Session, sink Sink) error {
	for i, e := range s.mailbox.events {
		if err := sink.Send(e); err != nil {
			s.mailbox.events = s.mailbox.events[i:]
			return err
		}
		m.metrics.event(e.Kind, "replayed")
	}
	s.mailbox.events = nil
	m.sinks.Register(s.workItemID, sink)
	s.clientConnected = true
	return nil
}

// detach marks the session disconnected. It does not affect a running turn.
// Must be called with s.mu held.
func (m *Manager) detach(s *Session) {
	s.clientConnected = false
}
