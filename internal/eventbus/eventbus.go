// Package eventbus is an in-process publish/subscribe broker with named
// topics and per-subscriber sessions.
//
// Publish is a synchronous hand-off: each active session has its own bounded
// buffer, so a slow subscriber never blocks the publisher or its peers. A
// session whose buffer would overflow is disconnected rather than allowed to
// stall the bus. Events are not persisted; a session only sees events
// published while it is registered.
//
// The bus is created at process start and injected into its consumers; Close
// tears it down and closes every session.
package eventbus

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Session.Next once the session is terminal.
var ErrClosed = errors.New("eventbus: session closed")

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("eventbus: bus closed")

// ErrInvalidTopic rejects empty topic names.
var ErrInvalidTopic = errors.New("eventbus: invalid topic")

// Event is an immutable snapshot delivered to subscribers.
type Event struct {
	Topic   string
	Seq     uint64
	Time    time.Time
	Payload any
}

// State is a session's lifecycle phase.
type State int

const (
	// Active sessions receive published events.
	Active State = iota
	// Draining sessions are deregistered but still deliver buffered events.
	Draining
	// Closed is terminal; buffered events are discarded.
	Closed
)

// Config tunes the bus.
type Config struct {
	// SessionBuffer is the per-session channel capacity (default 64).
	SessionBuffer int
}

// Bus distributes events to sessions by topic.
type Bus struct {
	mu      sync.Mutex
	topics  map[string][]*Session
	bufSize int
	closed  bool
	seq     uint64
}

// New creates a Bus.
func New(cfg Config) *Bus {
	buf := cfg.SessionBuffer
	if buf <= 0 {
		buf = 64
	}
	return &Bus{topics: make(map[string][]*Session), bufSize: buf}
}

// Publish hands payload to every session registered for topic at this moment.
// It never blocks on subscriber progress. Publishes are serialized per bus,
// so any single session observes events in publish order.
func (b *Bus) Publish(topic string, payload any) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.seq++
	evt := Event{Topic: topic, Seq: b.seq, Time: time.Now(), Payload: payload}

	var overflowed []*Session
	for _, s := range b.topics[topic] {
		select {
		case s.ch <- evt:
		default:
			// Buffer full: disconnect the laggard instead of stalling.
			overflowed = append(overflowed, s)
		}
	}
	for _, s := range overflowed {
		b.terminateLocked(s)
	}
	return nil
}

// Subscribe registers a new session on topic.
func (b *Bus) Subscribe(topic string) (*Session, error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	s := &Session{
		bus:   b,
		topic: topic,
		ch:    make(chan Event, b.bufSize),
		done:  make(chan struct{}),
	}
	b.topics[topic] = append(b.topics[topic], s)
	return s, nil
}

// Subscribers reports how many active sessions topic currently has.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Close shuts the bus down, discarding session buffers.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sessions := range b.topics {
		for _, s := range sessions {
			if s.state != Closed {
				s.state = Closed
				close(s.done)
			}
		}
	}
	b.topics = nil
	return nil
}

// removeLocked drops s from its topic's registry.
func (b *Bus) removeLocked(s *Session) {
	sessions := b.topics[s.topic]
	for i, candidate := range sessions {
		if candidate == s {
			b.topics[s.topic] = append(sessions[:i], sessions[i+1:]...)
			break
		}
	}
	if len(b.topics[s.topic]) == 0 {
		delete(b.topics, s.topic)
	}
}

// terminateLocked force-closes s, discarding anything still buffered.
func (b *Bus) terminateLocked(s *Session) {
	if s.state == Closed {
		return
	}
	if s.state == Active {
		b.removeLocked(s)
	}
	s.state = Closed
	close(s.done)
}
