package testutil

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"testing"
)

// NewTestLogger logs at debug level to stderr when tests run with -v and
// discards output otherwise.
func NewTestLogger() *slog.Logger {
	var w io.Writer = io.Discard
	if testing.Verbose() {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// NewNullLogger discards everything.
func NewNullLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// NewBufferLogger records JSON log lines in the returned buffer so tests can
// assert on attributes.
func NewBufferLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}
