package remailer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Sink receives notifications. Code is a category, reply code or status flag
// depending on the channel; message is human readable.
type Sink interface {
	Notify(code any, message string)
}

// SinkFunc adapts a two-argument function into a Sink.
type SinkFunc func(code any, message string)

// Notify calls f(code, message).
func (f SinkFunc) Notify(code any, message string) {
	f(code, message)
}

type writerSink struct {
	w io.Writer
}

// WriterSink returns a Sink that writes one "code: message" line per
// notification to w.
func WriterSink(w io.Writer) Sink {
	return writerSink{w: w}
}

func (s writerSink) Notify(code any, message string) {
	fmt.Fprintf(s.w, "%v: %s\n", code, message)
}

type slogSink struct {
	logger  *slog.Logger
	level   slog.Level
	channel string
}

// SlogSink returns a Sink that logs each notification at the given level,
// tagged with the channel name.
func SlogSink(logger *slog.Logger, level slog.Level, channel string) Sink {
	return slogSink{logger: logger, level: level, channel: channel}
}

func (s slogSink) Notify(code any, message string) {
	s.logger.Log(context.Background(), s.level, message,
		slog.String("channel", s.channel),
		slog.Any("code", code),
	)
}

// Notifications routes connection events to their sinks. Nil sinks are
// skipped.
type Notifications struct {
	Debug   Sink
	Error   Sink
	Connect Sink

	OnConnect Sink
	OnError   Sink
	// OnDisconnect fires once when the connection closes. It is skipped
	// when the close follows a message or connect timeout, which OnError
	// and Connect already reported.
	OnDisconnect Sink
}

// Send delivers a notification to sink if it is set.
func Send(sink Sink, code any, message string) {
	if sink != nil {
		sink.Notify(code, message)
	}
}
