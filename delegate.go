package remailer

// Transport is the byte-level surface an interpreter drives on its
// connection.
type Transport interface {
	// SendLine writes line followed by CRLF.
	SendLine(line string)
	// SendData writes p verbatim.
	SendData(p []byte)
	// CloseConnection closes the socket. Calling it more than once is a no-op.
	CloseConnection()
}

// Notifier is the notification surface an interpreter reports through.
type Notifier interface {
	DebugNotification(code, message string)
	ErrorNotification(code, message string)
	// ConnectNotification reports the outcome of establishing the session.
	// The message may be empty on success.
	ConnectNotification(ok bool, message string)
}
