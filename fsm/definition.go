package fsm

import (
	"errors"
	"fmt"
	"sort"
)

// State names a state of a protocol machine.
type State string

// States every definition has, whether declared or not.
const (
	Initialized State = "initialized"
	Terminated  State = "terminated"
)

// ErrDefinition is wrapped by every configuration error returned from Define.
var ErrDefinition = errors.New("fsm: invalid definition")

// Action runs on state entry, exit or termination.
type Action[S any] func(m *Machine[S])

// Handler interprets a token.
type Handler[S any] func(m *Machine[S], tok Token)

type entry[S any] struct {
	matcher Matcher
	handler Handler[S]
	final   bool
}

type stateConfig[S any] struct {
	enter     []Action[S]
	leave     []Action[S]
	handlers  []entry[S]
	defaults  []Handler[S]
	terminate []Action[S]
	terminal  bool
	parser    *Parser
}

// Definition is the immutable state table of a protocol. It is built once
// and shared by every Machine created from it.
type Definition[S any] struct {
	label          string
	initial        State
	states         map[State]*stateConfig[S]
	parser         Parser
	defaultHandler Handler[S]
	errorHandler   Handler[S]
}

// Label is the protocol name used in diagnostics, e.g. "SMTP".
func (d *Definition[S]) Label() string { return d.label }

// InitialState returns the state new machines start in.
func (d *Definition[S]) InitialState() State { return d.initial }

// Defined reports whether st is part of the definition.
func (d *Definition[S]) Defined(st State) bool {
	_, ok := d.states[st]
	return ok
}

// States returns the defined state names in lexical order.
func (d *Definition[S]) States() []State {
	out := make([]State, 0, len(d.states))
	for st := range d.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Terminal reports whether entering st ends the machine.
func (d *Definition[S]) Terminal(st State) bool {
	if st == Terminated {
		return true
	}
	cfg, ok := d.states[st]
	return ok && cfg.terminal
}

// Builder collects the declarations of a protocol.
type Builder[S any] struct {
	def  *Definition[S]
	errs []error
}

// StateBuilder declares the behaviour of one state. Declarations append to
// whatever was already declared for the same state.
type StateBuilder[S any] struct {
	b   *Builder[S]
	cfg *stateConfig[S]
	st  State
}

// Define builds a protocol definition. The declare function registers states
// on the builder; the result is validated and frozen.
func Define[S any](label string, declare func(b *Builder[S])) (*Definition[S], error) {
	b := &Builder[S]{
		def: &Definition[S]{
			label:   label,
			initial: Initialized,
			states: map[State]*stateConfig[S]{
				Initialized: {},
				Terminated:  {},
			},
		},
	}
	declare(b)
	return b.build()
}

// MustDefine is like Define but panics on a configuration error. It is meant
// for package-level protocol tables.
func MustDefine[S any](label string, declare func(b *Builder[S])) *Definition[S] {
	def, err := Define(label, declare)
	if err != nil {
		panic(err)
	}
	return def
}

func (b *Builder[S]) errorf(format string, args ...any) {
	b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDefinition, fmt.Sprintf(format, args...)))
}

// InitialState overrides the state machines start in.
func (b *Builder[S]) InitialState(st State) {
	b.def.initial = st
}

// Parse sets the parser used by states that do not declare their own.
func (b *Builder[S]) Parse(p Parser) {
	if err := p.validate(); err != nil {
		b.errorf("type parser: %v", err)
		return
	}
	b.def.parser = p
}

// Default sets the handler used when no state-level matcher or default
// handled a token.
func (b *Builder[S]) Default(h Handler[S]) {
	if h == nil {
		b.errorf("nil default handler")
		return
	}
	b.def.defaultHandler = h
}

// OnError sets the handler of last resort, tried after the type default.
func (b *Builder[S]) OnError(h Handler[S]) {
	if h == nil {
		b.errorf("nil error handler")
		return
	}
	b.def.errorHandler = h
}

// State declares or extends st.
func (b *Builder[S]) State(st State, declare func(s *StateBuilder[S])) {
	if st == "" {
		b.errorf("empty state name")
		return
	}
	cfg, ok := b.def.states[st]
	if !ok {
		cfg = &stateConfig[S]{}
		b.def.states[st] = cfg
	}
	if declare != nil {
		declare(&StateBuilder[S]{b: b, cfg: cfg, st: st})
	}
}

// Enter adds an action run when the state is entered.
func (s *StateBuilder[S]) Enter(a Action[S]) {
	if a == nil {
		s.b.errorf("state %q: nil enter action", s.st)
		return
	}
	s.cfg.enter = append(s.cfg.enter, a)
}

// Leave adds an action run when the state is left.
func (s *StateBuilder[S]) Leave(a Action[S]) {
	if a == nil {
		s.b.errorf("state %q: nil leave action", s.st)
		return
	}
	s.cfg.leave = append(s.cfg.leave, a)
}

// OnLine registers a handler fired for every physical line the matcher
// accepts, continuation lines included.
func (s *StateBuilder[S]) OnLine(m Matcher, h Handler[S]) {
	s.on(m, h, false)
}

// OnReply registers a handler fired once per logical reply: continuation
// lines the matcher accepts are swallowed and the handler runs on the final
// line only.
func (s *StateBuilder[S]) OnReply(m Matcher, h Handler[S]) {
	s.on(m, h, true)
}

func (s *StateBuilder[S]) on(m Matcher, h Handler[S], final bool) {
	if m == nil || h == nil {
		s.b.errorf("state %q: nil matcher or handler", s.st)
		return
	}
	s.cfg.handlers = append(s.cfg.handlers, entry[S]{matcher: m, handler: h, final: final})
}

// Default adds a handler for tokens no matcher of this state accepted.
func (s *StateBuilder[S]) Default(h Handler[S]) {
	if h == nil {
		s.b.errorf("state %q: nil default handler", s.st)
		return
	}
	s.cfg.defaults = append(s.cfg.defaults, h)
}

// Parse overrides the parser while the machine is in this state.
func (s *StateBuilder[S]) Parse(p Parser) {
	if err := p.validate(); err != nil {
		s.b.errorf("state %q parser: %v", s.st, err)
		return
	}
	s.cfg.parser = &p
}

// Terminate flags the state as terminal: once its enter actions ran, the
// given actions run and the machine moves to Terminated.
func (s *StateBuilder[S]) Terminate(actions ...Action[S]) {
	s.cfg.terminal = true
	for _, a := range actions {
		if a != nil {
			s.cfg.terminate = append(s.cfg.terminate, a)
		}
	}
}

func (b *Builder[S]) build() (*Definition[S], error) {
	if !b.def.Defined(b.def.initial) {
		b.errorf("initial state %q is not defined", b.def.initial)
	}
	if b.def.parser.kind == parserNone {
		b.def.parser = ParseRaw(takeAll)
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	return b.def, nil
}

func takeAll(buf []byte) (Token, int, bool) {
	return Token{Value: clone(buf)}, len(buf), true
}
