// ABOUTME: Stream is the per-task handle shared by both transports and the caller.
// ABOUTME: Delivers chunk events followed by exactly one terminal event, then closes.

package task

import (
	"sync"
)

// Terminal error messages surfaced to callers. Callers match on these
// strings, so they are part of the contract.
const (
	MsgAgentOffline      = "Agent offline"
	MsgAgentNotConnected = "Agent not connected"
	MsgAgentDisconnected = "Agent disconnected"
	MsgStreamCancelled   = "Stream cancelled"
	MsgAgentUnreachable  = "Agent unreachable"
	MsgDuplicateTask     = "Duplicate task id"
)

// Kind tags an Event.
type Kind int

const (
	KindChunk Kind = iota
	KindComplete
	KindError
)

// String returns the wire-friendly name of the kind.
func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindComplete:
		return "complete"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item on a task stream.
type Event struct {
	Kind Kind
	// Text holds the chunk, the full response, or the error message
	// depending on Kind.
	Text     string
	Mentions []string // KindComplete only
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == KindComplete || e.Kind == KindError
}

// Callbacks is the callback form of a task stream. Any field may be nil.
type Callbacks struct {
	OnChunk    func(text string)
	OnComplete func(fullText string)
	OnError    func(message string)
}

// Stream carries the events of a single task from a transport to the caller.
//
// Writers (transports) call Chunk, Complete and Fail from any goroutine and
// never block: events are queued internally and handed to the Events channel
// by a pump goroutine. The first terminal event wins; everything written
// after it is dropped. The Events channel is closed right after the terminal
// event has been received.
//
// The pump starts on the first call to Events or Subscribe, so a stream
// nobody reads holds no goroutine. A consumer that stops reading early calls
// Release.
type Stream struct {
	id string

	mu            sync.Mutex
	queue         []Event
	terminated    bool
	cancelled     bool
	last          Event
	cancelHooks   []func()
	terminalHooks []func(Event)

	notify      chan struct{}
	events      chan Event
	done        chan struct{}
	release     chan struct{}
	startPump   sync.Once
	releaseOnce sync.Once
}

// NewStream creates a stream for the given task id.
func NewStream(id string) *Stream {
	return &Stream{
		id:      id,
		notify:  make(chan struct{}, 1),
		events:  make(chan Event),
		done:    make(chan struct{}),
		release: make(chan struct{}),
	}
}

// ID returns the task correlation id.
func (s *Stream) ID() string {
	return s.id
}

// Events returns the channel of events. It yields zero or more chunks, then
// exactly one terminal event, then is closed.
func (s *Stream) Events() <-chan Event {
	s.startPump.Do(func() { go s.pump() })
	return s.events
}

// Release tells the stream its consumer has stopped reading. The pump exits
// and closes the Events channel without delivering what is left. Release
// does not cancel the task.
func (s *Stream) Release() {
	s.releaseOnce.Do(func() { close(s.release) })
}

// Done is closed as soon as a terminal event has been accepted, which may be
// before the consumer has read it.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Chunk queues a chunk. Empty chunks are dropped. Returns false if the
// stream has already terminated.
func (s *Stream) Chunk(text string) bool {
	if text == "" {
		return false
	}
	return s.push(Event{Kind: KindChunk, Text: text})
}

// Complete queues the successful terminal event.
func (s *Stream) Complete(fullText string, mentions ...string) bool {
	return s.push(Event{Kind: KindComplete, Text: fullText, Mentions: mentions})
}

// Fail queues the error terminal event.
func (s *Stream) Fail(message string) bool {
	return s.push(Event{Kind: KindError, Text: message})
}

// Callbacks returns writer-side callbacks that feed this stream, for
// transports written in callback style.
func (s *Stream) Callbacks() Callbacks {
	return Callbacks{
		OnChunk:    func(text string) { s.Chunk(text) },
		OnComplete: func(fullText string) { s.Complete(fullText) },
		OnError:    func(message string) { s.Fail(message) },
	}
}

// Cancel stops the task. If the task has not resolved yet, undelivered
// events are discarded, the cancel hooks run, and the stream terminates with
// MsgStreamCancelled. Calling Cancel after resolution, or more than once, is
// a no-op.
func (s *Stream) Cancel() {
	term := Event{Kind: KindError, Text: MsgStreamCancelled}

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.cancelled = true
	s.last = term
	s.queue = []Event{term}
	cancelHooks := s.cancelHooks
	terminalHooks := s.terminalHooks
	s.cancelHooks = nil
	s.terminalHooks = nil
	s.mu.Unlock()

	close(s.done)
	s.wake()

	for _, fn := range cancelHooks {
		fn()
	}
	for _, fn := range terminalHooks {
		fn(term)
	}
}

// Cancelled reports whether Cancel took effect.
func (s *Stream) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// OnCancel registers fn to run when Cancel takes effect. If the stream was
// already cancelled fn runs immediately; if it resolved otherwise fn never
// runs.
func (s *Stream) OnCancel(fn func()) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		fn()
		return
	}
	if !s.terminated {
		s.cancelHooks = append(s.cancelHooks, fn)
	}
	s.mu.Unlock()
}

// OnTerminal registers fn to run once with the terminal event, immediately
// if the stream has already terminated. Hooks run on the writer's goroutine
// and must not block.
func (s *Stream) OnTerminal(fn func(Event)) {
	s.mu.Lock()
	if s.terminated {
		last := s.last
		s.mu.Unlock()
		fn(last)
		return
	}
	s.terminalHooks = append(s.terminalHooks, fn)
	s.mu.Unlock()
}

// Subscribe drives cb from the stream until it closes. It blocks, so callers
// usually run it in their own goroutine. Chunks that were in flight when
// Cancel took effect are not delivered.
func (s *Stream) Subscribe(cb Callbacks) {
	for ev := range s.Events() {
		switch ev.Kind {
		case KindChunk:
			if s.Cancelled() {
				continue
			}
			if cb.OnChunk != nil {
				cb.OnChunk(ev.Text)
			}
		case KindComplete:
			if cb.OnComplete != nil {
				cb.OnComplete(ev.Text)
			}
		case KindError:
			if cb.OnError != nil {
				cb.OnError(ev.Text)
			}
		}
	}
}

func (s *Stream) push(ev Event) bool {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)

	var terminalHooks []func(Event)
	if ev.Terminal() {
		s.terminated = true
		s.last = ev
		terminalHooks = s.terminalHooks
		s.terminalHooks = nil
		s.cancelHooks = nil
	}
	s.mu.Unlock()

	if ev.Terminal() {
		close(s.done)
	}
	s.wake()

	for _, fn := range terminalHooks {
		fn(ev)
	}
	return true
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

// pump hands queued events to the consumer in order and closes the channel
// after the terminal one.
func (s *Stream) pump() {
	defer close(s.events)
	for {
		select {
		case <-s.notify:
		case <-s.release:
			return
		}
		for {
			ev, ok := s.pop()
			if !ok {
				break
			}
			select {
			case s.events <- ev:
			case <-s.release:
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}
