package textproto

import (
	"bufio"
	"bytes"
	"io"
)

var stuffing = []byte{'.'}

// DotWriter dot-stuffs a message body (RFC 5321 §4.5.2): every line starting
// with "." gets an extra leading dot. The body start counts as a line start
// since DATA's CRLF precedes it. Close appends the terminator.
type DotWriter struct {
	w         io.Writer
	beginLine bool
	closed    bool
}

// NewDotWriter returns a DotWriter writing to w.
func NewDotWriter(w io.Writer) *DotWriter {
	return &DotWriter{w: w, beginLine: true}
}

// Write stuffs p and passes it on. The returned count excludes stuffed dots.
func (d *DotWriter) Write(p []byte) (int, error) {
	if d.closed {
		return 0, io.ErrClosedPipe
	}

	written := 0
	for written < len(p) {
		if d.beginLine && p[written] == '.' {
			if _, err := d.w.Write(stuffing); err != nil {
				return written, err
			}
		}

		end := len(p)
		if i := bytes.IndexByte(p[written:], '\n'); i >= 0 {
			end = written + i + 1
		}
		n, err := d.w.Write(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
		d.beginLine = p[end-1] == '\n'
	}
	return written, nil
}

// Close writes the termination sequence, preceded by CRLF when the body did
// not end on a line break.
func (d *DotWriter) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	if !d.beginLine {
		if _, err := io.WriteString(d.w, "\r\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(d.w, ".\r\n")
	return err
}

// DotReader reads a dot-stuffed body, removing the stuffing, and reports
// io.EOF at the lone "." line.
type DotReader struct {
	r       *bufio.Reader
	pending []byte
	done    bool
}

// NewDotReader returns a DotReader reading from r.
func NewDotReader(r *bufio.Reader) *DotReader {
	return &DotReader{r: r}
}

func (d *DotReader) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		if d.done {
			return 0, io.EOF
		}
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			d.done = true
			if len(line) == 0 {
				return 0, err
			}
		} else if string(bytes.TrimRight(line, "\r\n")) == "." {
			d.done = true
			return 0, io.EOF
		}
		if line[0] == '.' {
			line = line[1:]
		}
		d.pending = line
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}
