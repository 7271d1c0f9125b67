package eventbus

import "context"

// Session is one subscriber's cursor over one topic: a lazy, non-restartable
// sequence of events. Once closed it cannot be reopened; events published
// while disconnected are gone.
//
// Lifecycle: Active → Draining (Unsubscribe; buffered events still delivered)
// → Closed. Overflow or bus shutdown jumps straight from Active to Closed,
// discarding the buffer.
type Session struct {
	bus   *Bus
	topic string
	ch    chan Event
	done  chan struct{}
	state State
}

// Topic returns the topic this session is registered on.
func (s *Session) Topic() string { return s.topic }

// State reports the session's current phase.
func (s *Session) State() State {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.state
}

// Next blocks until an event is available, the session closes, or ctx is
// done. After Unsubscribe it keeps yielding buffered events and then returns
// ErrClosed; after a forced close it returns ErrClosed immediately.
func (s *Session) Next(ctx context.Context) (Event, error) {
	// done wins over buffered events: a forced close discards the buffer.
	select {
	case <-s.done:
		return Event{}, ErrClosed
	default:
	}
	select {
	case evt, ok := <-s.ch:
		if !ok {
			s.markClosed()
			return Event{}, ErrClosed
		}
		return evt, nil
	case <-s.done:
		return Event{}, ErrClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Unsubscribe deregisters the session. Events already buffered remain
// readable through Next; events published afterwards are never seen.
// Safe to call more than once.
func (s *Session) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.state != Active {
		return
	}
	if !s.bus.closed {
		s.bus.removeLocked(s)
	}
	s.state = Draining
	// All sends happen under the bus lock, so closing here cannot race a
	// publisher.
	close(s.ch)
}

func (s *Session) markClosed() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.state != Closed {
		s.state = Closed
	}
}
