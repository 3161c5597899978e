package smtpclient

import "github.com/alexisbouchez/remailer"

// Delegate is the connection an SMTP interpreter drives. The interpreter
// never owns it.
type Delegate interface {
	remailer.Transport
	remailer.Notifier

	// Hostname is the name announced in EHLO and HELO.
	Hostname() string
	// UseTLS reports whether STARTTLS should be used when advertised.
	UseTLS() bool
	// RequireTLS reports whether the session must not continue in plaintext.
	RequireTLS() bool
	// Credentials returns the AUTH username and password. An empty username
	// disables authentication.
	Credentials() (username, password string)
	// Capabilities is the mutable record of what the server advertised.
	Capabilities() *remailer.Capabilities

	// ActiveMessage returns the message in flight, or nil.
	ActiveMessage() *remailer.Message
	// MessageSent completes the active message with r and clears it.
	MessageSent(r remailer.Result)
	// Ready is called each time the session becomes idle.
	Ready()
	// StartTLS upgrades the channel in place. It returns once the handshake
	// finished.
	StartTLS() error
}
