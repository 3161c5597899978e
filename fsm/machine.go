package fsm

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrNoHandler is wrapped by the error recorded when a token reaches a state
// that has no way to handle it.
var ErrNoHandler = errors.New("no handler")

// StateObserver is implemented by delegates that want to follow transitions.
type StateObserver interface {
	InterpreterEnteredState(label string, st State)
}

// Interpreter is the type-erased view of a Machine held by a connection that
// swaps protocols mid-stream.
type Interpreter interface {
	Label() string
	State() State
	EnterState(st State)
	Process(buf *[]byte, each func(Token))
	Finished() bool
	Err() error
}

// Option configures a Machine.
type Option func(*options)

type options struct {
	initial  State
	observer StateObserver
}

// WithInitialState starts the machine in st instead of the definition's
// initial state.
func WithInitialState(st State) Option {
	return func(o *options) { o.initial = st }
}

// WithObserver reports every state transition to obs.
func WithObserver(obs StateObserver) Option {
	return func(o *options) { o.observer = obs }
}

// Machine is one running instance of a Definition. It is not safe for
// concurrent use; a connection drives it from a single goroutine.
type Machine[S any] struct {
	def      *Definition[S]
	ctx      S
	observer StateObserver
	state    State
	err      error
	reply    string
}

var _ Interpreter = (*Machine[struct{}])(nil)

// New creates a machine bound to ctx and enters its initial state.
func New[S any](def *Definition[S], ctx S, opts ...Option) *Machine[S] {
	o := options{initial: def.initial}
	for _, opt := range opts {
		opt(&o)
	}
	m := &Machine[S]{def: def, ctx: ctx, observer: o.observer}
	m.EnterState(o.initial)
	return m
}

// Label returns the protocol label of the definition.
func (m *Machine[S]) Label() string { return m.def.label }

// Context returns the per-instance data handlers operate on.
func (m *Machine[S]) Context() S { return m.ctx }

// State returns the current state.
func (m *Machine[S]) State() State { return m.state }

// Err returns the last recorded error, if any.
func (m *Machine[S]) Err() error { return m.err }

// SetError records err without changing state.
func (m *Machine[S]) SetError(err error) { m.err = err }

// Fail records err and terminates the machine.
func (m *Machine[S]) Fail(err error) {
	m.err = err
	m.EnterState(Terminated)
}

// Finished reports whether the machine accepts no further input.
func (m *Machine[S]) Finished() bool { return m.state == Terminated }

// EnterState leaves the current state and enters st. Entering a state flagged
// terminal runs its termination actions and moves on to Terminated, unless an
// enter action already moved the machine elsewhere.
func (m *Machine[S]) EnterState(st State) {
	cfg, ok := m.def.states[st]
	if !ok {
		m.err = fmt.Errorf("%s: undefined state %q", m.def.label, st)
		st, cfg = Terminated, m.def.states[Terminated]
	}

	if m.state != "" {
		if cur, ok := m.def.states[m.state]; ok {
			for _, a := range cur.leave {
				a(m)
			}
		}
	}

	m.state = st
	if m.observer != nil {
		m.observer.InterpreterEnteredState(m.def.label, st)
	}

	for _, a := range cfg.enter {
		a(m)
	}

	if st == Terminated || m.state != st || !cfg.terminal {
		return
	}
	for _, a := range cfg.terminate {
		a(m)
	}
	if m.state == st {
		m.EnterState(Terminated)
	}
}

func (m *Machine[S]) parser() Parser {
	if cfg, ok := m.def.states[m.state]; ok && cfg.parser != nil {
		return *cfg.parser
	}
	return m.def.parser
}

// Process cuts tokens off the front of *buf and interprets them until the
// buffer is empty, the parser needs more data or the machine finishes. The
// consumed prefix is removed from *buf in place. each, if not nil, sees every
// token before it is interpreted.
func (m *Machine[S]) Process(buf *[]byte, each func(Token)) {
	for len(*buf) > 0 && !m.Finished() {
		tok, n, ok := m.parser().parse(*buf)
		if n <= 0 {
			return
		}
		if n > len(*buf) {
			n = len(*buf)
		}
		rest := copy(*buf, (*buf)[n:])
		*buf = (*buf)[:rest]

		if !ok {
			continue
		}
		if each != nil {
			each(tok)
		}
		m.Interpret(tok)
	}
}

// Interpret dispatches tok in the current state. It reports false when
// nothing handled the token, in which case the machine has recorded an error
// and terminated.
func (m *Machine[S]) Interpret(tok Token) bool {
	if m.Finished() {
		return false
	}
	cfg := m.def.states[m.state]

	for _, e := range cfg.handlers {
		t := tok
		if !e.matcher.match(&t) {
			continue
		}
		if e.final && t.Continues {
			return true
		}
		e.handler(m, t)
		return true
	}

	switch {
	case len(cfg.defaults) > 0:
		for _, h := range cfg.defaults {
			h(m, tok)
		}
	case m.def.defaultHandler != nil:
		m.def.defaultHandler(m, tok)
	case m.def.errorHandler != nil:
		m.def.errorHandler(m, tok)
	default:
		m.Fail(fmt.Errorf("%w for %s in state %s", ErrNoHandler, tok, m.state))
		return false
	}
	return true
}

// Collect accumulates the text of a multi-line reply. Whitespace runs are
// collapsed and a leading word repeating the first word already collected
// (typically an enhanced status code) is dropped. Once the final line arrives
// the merged text is returned and the accumulator cleared.
func (m *Machine[S]) Collect(tok Token) (string, bool) {
	text := tok.Text
	if preamble := firstWord(m.reply); preamble != "" {
		text = strings.TrimPrefix(text, preamble)
	}
	m.reply += collapseSpace(text)

	if tok.Continues {
		return "", false
	}
	out := m.reply
	m.reply = ""
	return out, true
}

func firstWord(s string) string {
	if i := strings.IndexFunc(s, unicode.IsSpace); i >= 0 {
		return s[:i]
	}
	return s
}

func collapseSpace(s string) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !space {
				b.WriteByte(' ')
			}
			space = true
			continue
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
