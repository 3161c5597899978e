// Package remailer holds the types shared by the SMTP client interpreter,
// the SOCKS5 negotiator and the connection that drives them.
//
// # Messages and results
//
// A [Message] is queued on a connection with a callback that receives its
// [Result] exactly once. A Result carries the [ReplyCode] and text of the
// reply that ended the transaction, or one of [ErrTimeout],
// [ErrDisconnected] and [ErrClosed] when no reply did. Negative replies are
// reported as an [*SMTPError] with its [EnhancedCode] split out of the text.
//
// Envelope addresses are checked with [ParseAddress] before a message is
// queued, so a malformed sender or recipient never reaches the wire.
//
// # Delegates
//
// The interpreters never touch a socket. They write through a [Transport]
// and report progress through a [Notifier]; the connection package supplies
// both.
//
// # Notifications
//
// [Notifications] routes debug, error and connect events to a [Sink].
// [SlogSink] and [WriterSink] cover the common cases.
//
// # Capabilities and authentication
//
// [Capabilities] records what the server advertised in its EHLO reply.
// [SelectMechanism] picks the strongest advertised [SASLMechanism] among
// [CramMD5Auth], [PlainAuth] and [LoginAuth].
package remailer
