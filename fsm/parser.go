package fsm

import (
	"errors"
	"regexp"
)

// Extractor pulls one token off the front of buf. It returns the number of
// bytes consumed, zero meaning more data is needed. ok is false when the
// consumed bytes did not form a usable token; they are dropped.
type Extractor func(buf []byte) (tok Token, n int, ok bool)

// Decoder turns a slice already cut from the buffer into a token.
type Decoder func(part []byte) (Token, bool)

type parserKind int

const (
	parserNone parserKind = iota
	parserRaw
	parserBytes
	parserPattern
)

// Parser describes how a state cuts tokens out of the receive buffer.
type Parser struct {
	kind    parserKind
	size    int
	re      *regexp.Regexp
	decode  Decoder
	extract Extractor
}

// ParseRaw hands the whole buffer to a caller-supplied extractor.
func ParseRaw(extract Extractor) Parser {
	return Parser{kind: parserRaw, extract: extract}
}

// ParseBytes waits until at least n bytes are buffered and slices exactly n.
func ParseBytes(n int, decode Decoder) Parser {
	return Parser{kind: parserBytes, size: n, decode: decode}
}

// ParsePattern waits until re matches and slices exactly the matched span.
// Bytes in front of the leftmost match cannot form a token and are dropped
// with it.
func ParsePattern(re *regexp.Regexp, decode Decoder) Parser {
	return Parser{kind: parserPattern, re: re, decode: decode}
}

func (p Parser) validate() error {
	switch p.kind {
	case parserRaw:
		if p.extract == nil {
			return errors.New("raw parser without extractor")
		}
	case parserBytes:
		if p.size <= 0 {
			return errors.New("byte parser needs a positive size")
		}
		if p.decode == nil {
			return errors.New("byte parser without decoder")
		}
	case parserPattern:
		if p.re == nil {
			return errors.New("pattern parser without pattern")
		}
		if p.decode == nil {
			return errors.New("pattern parser without decoder")
		}
	default:
		return errors.New("unknown parser kind")
	}
	return nil
}

func (p Parser) parse(buf []byte) (Token, int, bool) {
	switch p.kind {
	case parserRaw:
		return p.extract(buf)
	case parserBytes:
		if len(buf) < p.size {
			return Token{}, 0, false
		}
		tok, ok := p.decode(clone(buf[:p.size]))
		return tok, p.size, ok
	case parserPattern:
		loc := p.re.FindIndex(buf)
		if loc == nil || loc[1] == 0 {
			return Token{}, 0, false
		}
		tok, ok := p.decode(clone(buf[loc[0]:loc[1]]))
		return tok, loc[1], ok
	}
	return Token{}, 0, false
}

// clone detaches part from the receive buffer, which is rewritten in place.
func clone(part []byte) []byte {
	return append([]byte(nil), part...)
}
