package remailer

import (
	"fmt"
	"strconv"
	"strings"
)

// EnhancedCode represents an enhanced mail system status code as defined in
// RFC 3463. Format is class.subject.detail (e.g., 2.1.0).
type EnhancedCode struct {
	Class   int // 2 = success, 4 = transient failure, 5 = permanent failure
	Subject int
	Detail  int
}

// Enhanced status codes the client reacts to or reports locally.
var (
	EnhancedCodeOK              = EnhancedCode{2, 0, 0}
	EnhancedCodeDestValid       = EnhancedCode{2, 1, 5}
	EnhancedCodeBadDest         = EnhancedCode{5, 1, 1}
	EnhancedCodeBadDestSyntax   = EnhancedCode{5, 1, 3}
	EnhancedCodeBadSenderSyntax = EnhancedCode{5, 1, 7}
	EnhancedCodeMsgTooLarge     = EnhancedCode{5, 3, 4}
	EnhancedCodeInvalidCommand  = EnhancedCode{5, 5, 1} // stale session, triggers a HELO replay
	EnhancedCodeAuthCredentials = EnhancedCode{5, 7, 8}
	EnhancedCodeEncryptRequired = EnhancedCode{5, 7, 11}
)

// String returns the enhanced code formatted as "X.Y.Z" (e.g., "2.1.0").
func (e EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", e.Class, e.Subject, e.Detail)
}

// IsZero reports whether the enhanced code is the zero value.
func (e EnhancedCode) IsZero() bool {
	return e.Class == 0 && e.Subject == 0 && e.Detail == 0
}

// ParseEnhancedCode parses an enhanced status code from the beginning of a
// reply text. It returns the code and the remaining text, or the zero code
// and the original text when none is present.
func ParseEnhancedCode(text string) (EnhancedCode, string) {
	code, rest, _ := strings.Cut(text, " ")

	segments := strings.Split(code, ".")
	if len(segments) != 3 {
		return EnhancedCode{}, text
	}

	c, err1 := strconv.Atoi(segments[0])
	s, err2 := strconv.Atoi(segments[1])
	d, err3 := strconv.Atoi(segments[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return EnhancedCode{}, text
	}
	if c < 2 || c > 5 {
		return EnhancedCode{}, text
	}

	return EnhancedCode{Class: c, Subject: s, Detail: d}, rest
}
