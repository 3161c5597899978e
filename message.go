package remailer

// Message is an outbound message queued on a connection.
type Message struct {
	From string
	To   string
	Data []byte

	// Test marks an address verification: the transaction stops after a
	// successful RCPT TO and no DATA is sent.
	Test bool

	// Callback receives the outcome exactly once. It may be nil.
	Callback func(Result)

	done bool
}

// Complete delivers r to the message callback. Only the first call has any
// effect; it reports whether this call was the one that completed the message.
func (m *Message) Complete(r Result) bool {
	if m == nil || m.done {
		return false
	}
	m.done = true
	if m.Callback != nil {
		m.Callback(r)
	}
	return true
}

// Completed reports whether Complete has been called.
func (m *Message) Completed() bool {
	return m != nil && m.done
}

// Result is the outcome of a queued message.
type Result struct {
	// Code is the SMTP reply code that completed the transaction, or zero when
	// the transaction ended without one (timeout, hangup, close).
	Code ReplyCode
	Text string

	// Err is nil when the server accepted the message (or, for a test message,
	// the recipient). It is an *SMTPError for negative replies and one of
	// ErrTimeout, ErrDisconnected or ErrClosed otherwise.
	Err error
}

// OK reports whether the message was accepted.
func (r Result) OK() bool {
	return r.Err == nil
}

// ReplyResult builds the Result for a transaction completed by a reply.
func ReplyResult(code int, text string) Result {
	r := Result{Code: ReplyCode(code), Text: text}
	if r.Code.Class() != ClassPositiveCompletion {
		r.Err = ReplyError(code, text)
	}
	return r
}

// FailureResult builds the Result for a transaction that ended without a
// reply.
func FailureResult(err error, text string) Result {
	return Result{Text: text, Err: err}
}

// RejectResult builds the Result for a message refused locally with err,
// before any command was sent for it.
func RejectResult(err *SMTPError) Result {
	text := err.Message
	if !err.EnhancedCode.IsZero() {
		text = err.EnhancedCode.String() + " " + text
	}
	return Result{Code: err.Code, Text: text, Err: err}
}
