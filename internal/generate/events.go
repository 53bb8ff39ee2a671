// Package generate runs the generation loop: it feeds a prompt into a
// session, then samples, emits and evaluates one token per step until a stop
// condition, reporting everything as a stream of events.
package generate

// EventType discriminates Event.
type EventType string

const (
	EventToken EventType = "token"
	EventError EventType = "error"
	EventEnd   EventType = "end"
)

// Event is one item of a generation stream. Every stream ends with exactly
// one EventEnd; at most one Token with Final set precedes it.
type Event struct {
	Type    EventType
	Text    string
	Final   bool
	Message string
}

func tokenEvent(text string, final bool) Event {
	return Event{Type: EventToken, Text: text, Final: final}
}

func errorEvent(msg string) Event { return Event{Type: EventError, Message: msg} }

func endEvent() Event { return Event{Type: EventEnd} }

// Sink receives events in order. It runs on the generating goroutine.
type Sink func(Event)

// stream enforces the event invariants whatever the loop does.
type stream struct {
	sink   Sink
	final  bool
	ended  bool
	broken bool
}

func (s *stream) emit(ev Event) {
	if s.ended || s.broken || s.sink == nil {
		return
	}
	defer func() {
		if recover() != nil {
			s.broken = true
		}
	}()
	s.sink(ev)
}

func (s *stream) token(text string) { s.emit(tokenEvent(text, false)) }

func (s *stream) finalToken() {
	if s.final {
		return
	}
	s.final = true
	s.emit(tokenEvent("", true))
}

func (s *stream) error(msg string) { s.emit(errorEvent(msg)) }

func (s *stream) end() {
	if s.ended {
		return
	}
	s.emit(endEvent())
	s.ended = true
}

// Abort reports a request that never reached the loop: one Error event and
// the End event.
func Abort(sink Sink, err error) Result {
	out := &stream{sink: sink}
	out.error(err.Error())
	out.end()
	return Result{State: StateError, StopReason: StopError, Err: err}
}
