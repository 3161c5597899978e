package fsm

import (
	"fmt"
	"regexp"
)

// Token is one unit produced by a parser and fed to Interpret.
type Token struct {
	// Code is the numeric discriminator matched by Code and Range: an SMTP
	// reply code, a SOCKS5 method or status byte.
	Code int
	// Text is the textual payload matched by Match.
	Text string
	// Continues marks a line that is not the last of its reply.
	Continues bool
	// Captures holds the groups of the Match matcher that accepted the token.
	Captures []string
	// Value carries parser-specific data.
	Value any
}

func (t Token) String() string {
	switch {
	case t.Text != "":
		return fmt.Sprintf("%d %q", t.Code, t.Text)
	case t.Value != nil:
		return fmt.Sprintf("%d %v", t.Code, t.Value)
	}
	return fmt.Sprint(t.Code)
}

// Matcher decides whether a handler applies to a token. Matchers may rewrite
// the token they are handed before the handler sees it.
type Matcher interface {
	match(tok *Token) bool
}

type codeMatcher int

func (c codeMatcher) match(tok *Token) bool { return tok.Code == int(c) }

// Code matches tokens whose Code equals c.
func Code(c int) Matcher { return codeMatcher(c) }

type rangeMatcher struct{ lo, hi int }

func (r rangeMatcher) match(tok *Token) bool { return tok.Code >= r.lo && tok.Code <= r.hi }

// Range matches tokens whose Code lies in [lo, hi].
func Range(lo, hi int) Matcher { return rangeMatcher{lo: lo, hi: hi} }

type patternMatcher struct{ re *regexp.Regexp }

func (p patternMatcher) match(tok *Token) bool {
	loc := p.re.FindStringSubmatchIndex(tok.Text)
	if loc == nil {
		return false
	}
	if len(loc) > 2 {
		caps := make([]string, 0, len(loc)/2-1)
		for i := 2; i < len(loc); i += 2 {
			if loc[i] < 0 {
				caps = append(caps, "")
				continue
			}
			caps = append(caps, tok.Text[loc[i]:loc[i+1]])
		}
		tok.Captures = caps
		return true
	}
	// Without groups the matched span is removed from the text.
	tok.Text = tok.Text[:loc[0]] + tok.Text[loc[1]:]
	return true
}

// Match matches tokens whose Text matches re. Capture groups replace the
// token's leading arguments and are exposed as Captures; a pattern without
// groups strips the matched span from Text instead.
func Match(re *regexp.Regexp) Matcher {
	if re == nil {
		return nil
	}
	return patternMatcher{re: re}
}
