// Package stream separates a model's reasoning block from its answer while
// the response is still streaming.
//
// Reasoning models wrap their chain of thought in <think>...</think>. The
// markers may arrive split across any number of fragments, so the splitter
// holds back just enough bytes to recognise a marker that straddles a chunk
// boundary and forwards everything else as soon as it can.
package stream

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

const (
	// ReasoningStart opens a reasoning block.
	ReasoningStart = "<think>"
	// ReasoningEnd closes a reasoning block.
	ReasoningEnd = "</think>"
	// TruncatedSuffix is appended to a reasoning block that never closed.
	TruncatedSuffix = "[TRUNCATED_THOUGHT]"
)

type state int

const (
	stateBefore state = iota
	stateInside
	stateAfter
)

// Handlers receives the two logical output channels.
type Handlers struct {
	// OnSolution receives answer text in stream order.
	OnSolution func(fragment string)
	// OnReasoning receives the whole reasoning block, markers included, once.
	OnReasoning func(block string)
	// OnDiagnostic receives recovered callback failures. Defaults to a zerolog warning.
	OnDiagnostic func(err error)
}

// Splitter is a single-use streaming transform. It is not safe for
// concurrent use; one goroutine drives it per response.
type Splitter struct {
	handlers Handlers
	state    state
	buf      strings.Builder

	solution  strings.Builder
	reasoning strings.Builder
	truncated bool
	finished  bool
}

// NewSplitter returns a splitter in the BEFORE state.
func NewSplitter(h Handlers) *Splitter {
	if h.OnDiagnostic == nil {
		h.OnDiagnostic = func(err error) {
			log.Warn().Err(err).Str("component", "stream").Msg("splitter callback failed")
		}
	}
	return &Splitter{handlers: h}
}

// Push feeds one fragment of model output.
func (s *Splitter) Push(fragment string) {
	if fragment == "" || s.finished {
		return
	}

	switch s.state {
	case stateAfter:
		s.emitSolution(fragment)

	case stateBefore:
		s.buf.WriteString(fragment)
		pending := s.buf.String()
		if idx := strings.Index(pending, ReasoningStart); idx >= 0 {
			if idx > 0 {
				s.emitSolution(pending[:idx])
			}
			s.buf.Reset()
			s.state = stateInside
			s.pushInside(pending[idx:])
			return
		}
		// A partial marker can occupy at most len(ReasoningStart)-1 trailing
		// bytes. The cut backs up to a rune boundary so multi-byte characters
		// are never split across callbacks.
		cut := len(pending) - (len(ReasoningStart) - 1)
		for cut > 0 && !utf8.RuneStart(pending[cut]) {
			cut--
		}
		if cut > 0 {
			s.emitSolution(pending[:cut])
			s.buf.Reset()
			s.buf.WriteString(pending[cut:])
		}

	case stateInside:
		s.pushInside(fragment)
	}
}

func (s *Splitter) pushInside(fragment string) {
	s.buf.WriteString(fragment)
	pending := s.buf.String()
	// Search past the opening marker so "<think></think>" still closes.
	end := strings.Index(pending[len(ReasoningStart):], ReasoningEnd)
	if end < 0 {
		return
	}
	cut := len(ReasoningStart) + end + len(ReasoningEnd)
	s.buf.Reset()
	s.state = stateAfter
	s.emitReasoning(pending[:cut])
	if rest := pending[cut:]; rest != "" {
		s.emitSolution(rest)
	}
}

// Finish flushes whatever is still buffered. It is idempotent.
func (s *Splitter) Finish() {
	if s.finished {
		return
	}
	s.finished = true

	pending := s.buf.String()
	s.buf.Reset()

	switch s.state {
	case stateBefore:
		if pending != "" {
			s.emitSolution(pending)
		}
	case stateInside:
		s.truncated = true
		s.emitReasoning(pending + TruncatedSuffix)
	}
}

// Consume drains fragments until the channel closes, then finishes the
// stream. Cancellation stops consumption without flushing.
func (s *Splitter) Consume(ctx context.Context, fragments <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frag, ok := <-fragments:
			if !ok {
				s.Finish()
				return nil
			}
			s.Push(frag)
		}
	}
}

// Solution returns all solution text emitted so far.
func (s *Splitter) Solution() string { return s.solution.String() }

// Reasoning returns the reasoning block emitted so far, if any.
func (s *Splitter) Reasoning() string { return s.reasoning.String() }

// Truncated reports whether the reasoning block was cut off by end of stream.
func (s *Splitter) Truncated() bool { return s.truncated }

func (s *Splitter) emitSolution(text string) {
	s.solution.WriteString(text)
	s.call("solution", s.handlers.OnSolution, text)
}

func (s *Splitter) emitReasoning(text string) {
	s.reasoning.WriteString(text)
	s.call("reasoning", s.handlers.OnReasoning, text)
}

func (s *Splitter) call(channel string, fn func(string), text string) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.handlers.OnDiagnostic(fmt.Errorf("%s callback panicked: %v", channel, r))
		}
	}()
	fn(text)
}
