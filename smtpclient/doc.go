// Package smtpclient implements the client side of SMTP (RFC 5321) as an
// incremental state machine on top of package fsm.
//
// The machine does no I/O of its own. A connection feeds it the bytes it
// receives through Process, and the machine answers by calling back into its
// [Delegate]: SendLine, SendData, StartTLS, CloseConnection and the
// notification methods.
//
// # Session flow
//
// The greeting selects EHLO or HELO. After EHLO the advertised extensions are
// recorded on the delegate's [remailer.Capabilities]; STARTTLS is negotiated
// first when enabled, then AUTH when credentials are configured (PLAIN,
// LOGIN or CRAM-MD5, in that order of preference). Once established the
// machine idles in [StateReady] and calls Delegate.Ready, which is where the
// connection hands it the next queued message:
//
//	ready → send → mail_from → rcpt_to → data → sending → sent → ready
//
// Unexpected replies fail the active message and recover with RSET.
// A 503 5.5.1 answer to MAIL FROM replays HELO and retries the envelope.
// [RequestQuit] ends an idle session.
package smtpclient
