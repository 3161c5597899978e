package socks5

import "fmt"

var replyReasons = [...]string{
	0: "Succeeded",
	1: "General SOCKS server failure",
	2: "Connection not allowed",
	3: "Network unreachable",
	4: "Host unreachable",
	5: "Connection refused",
	6: "TTL expired",
	7: "Command not supported",
	8: "Address type not supported",
}

// Reason returns the RFC 1928 description of a CONNECT reply code.
func Reason(code int) string {
	if code >= 0 && code < len(replyReasons) {
		return replyReasons[code]
	}
	return "Unknown error"
}

// ReplyError is a nonzero reply code to a CONNECT request.
type ReplyError struct {
	Code int
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("Proxy server returned error code %d: %s", e.Code, Reason(e.Code))
}
