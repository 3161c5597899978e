// Package fsm is a table-driven engine for incremental line and binary
// protocols.
//
// A protocol is declared once with Define, which freezes a table of states.
// Each state carries enter, leave and termination actions, an ordered list of
// (matcher, handler) pairs, default handlers and an optional parser override:
//
//	def := fsm.MustDefine("SMTP", func(b *fsm.Builder[*Session]) {
//		b.Parse(fsm.ParsePattern(lineRE, decodeReply))
//		b.State("helo", func(s *fsm.StateBuilder[*Session]) {
//			s.Enter(func(m *fsm.Machine[*Session]) { ... })
//			s.OnReply(fsm.Code(250), func(m *fsm.Machine[*Session], tok fsm.Token) { ... })
//		})
//	})
//
// A Machine is one instance of a definition. Process feeds it raw bytes; the
// active parser cuts tokens from the front of the buffer and Interpret routes
// each one. Handlers registered with OnReply only see the final line of a
// multi-line reply, OnLine handlers see every line.
//
// Runtime failures never panic. They are recorded on the machine, which then
// moves to the Terminated state; callers poll Err and Finished.
package fsm
