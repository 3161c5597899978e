// Package textproto implements the SMTP wire format pieces shared by the
// client interpreter and its tests: reply line framing and dot-stuffed DATA
// bodies. Nothing here blocks; callers hand in whatever bytes they have.
package textproto

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// MaxReplyLineLen is a generous limit for reply lines to prevent memory exhaustion.
const MaxReplyLineLen = 2048

// CutLine takes one LF-terminated line off the front of buf. It returns the
// line without its CRLF and the number of bytes consumed. n is zero when no
// complete line is buffered yet. A buffer holding more than MaxReplyLineLen
// bytes without a line break is consumed whole and reported with ok false.
func CutLine(buf []byte) (line string, n int, ok bool) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		if len(buf) > MaxReplyLineLen {
			return "", len(buf), false
		}
		return "", 0, false
	}
	if i+1 > MaxReplyLineLen {
		return "", i + 1, false
	}
	return string(bytes.TrimRight(buf[:i], "\r")), i + 1, true
}

// SplitReply splits a reply line into its code and text. continues is true
// when the code is followed by '-' (RFC 5321 §4.2). A bare code is a final
// line with empty text. Lines that do not start with exactly three digits
// are rejected.
func SplitReply(line string) (code int, text string, continues bool, ok bool) {
	const i = 3
	if len(line) < i {
		return 0, "", false, false
	}
	for j := 0; j < i; j++ {
		if line[j] < '0' || line[j] > '9' {
			return 0, "", false, false
		}
	}
	code, err := strconv.Atoi(line[:i])
	if err != nil {
		return 0, "", false, false
	}
	if i == len(line) {
		return code, "", false, true
	}
	switch line[i] {
	case '-':
		return code, line[i+1:], true, true
	case ' ':
		return code, line[i+1:], false, true
	}
	return 0, "", false, false
}

// FormatReply renders a single-line or multi-line reply, each line CRLF
// terminated.
func FormatReply(code int, lines ...string) string {
	if len(lines) == 0 {
		lines = []string{""}
	}
	var b strings.Builder
	for i, line := range lines {
		sep := ' '
		if i < len(lines)-1 {
			sep = '-'
		}
		fmt.Fprintf(&b, "%d%c%s\r\n", code, sep, line)
	}
	return b.String()
}
