package smtpclient

import (
	"bytes"
	"encoding/base64"

	"github.com/alexisbouchez/remailer"
	"github.com/alexisbouchez/remailer/fsm"
	"github.com/alexisbouchez/remailer/internal/textproto"
)

// SplitReply splits a reply line into code, text and the continuation flag.
// ok is false when the line does not start with a numeric code.
func SplitReply(line string) (code int, text string, continues bool, ok bool) {
	return textproto.SplitReply(line)
}

// EncodeAuthentication returns the AUTH PLAIN initial response for the
// given credentials (RFC 4954): base64 of NUL user NUL password.
func EncodeAuthentication(username, password string) string {
	resp, _ := remailer.PlainAuth("", username, password).Start()
	return encode64(resp)
}

// EncodeData dot-stuffs a message body for transmission after DATA. The
// terminating "." line is not included.
func EncodeData(data []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(data) + len(data)/64)
	textproto.NewDotWriter(&buf).Write(data)
	return buf.Bytes()
}

func encode64(p []byte) string {
	return base64.StdEncoding.EncodeToString(p)
}

// parseReply cuts one reply line off the receive buffer.
func parseReply(buf []byte) (fsm.Token, int, bool) {
	line, n, ok := textproto.CutLine(buf)
	if !ok {
		return fsm.Token{}, n, false
	}
	code, text, continues, ok := textproto.SplitReply(line)
	if !ok {
		return fsm.Token{}, n, false
	}
	return fsm.Token{Code: code, Text: text, Continues: continues}, n, true
}
