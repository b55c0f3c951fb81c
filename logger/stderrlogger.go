package logger

import (
	"fmt"
	"os"
)

// NewStderrDebugLogger returns a logger that writes every entry to stderr.
// It is useful as a default and in tests.
func NewStderrDebugLogger() *Logger {
	outlets := NewOutlets()
	outlets.Add(stderrOutlet{}, Debug)
	return NewLogger(outlets)
}

type stderrOutlet struct{}

func (stderrOutlet) WriteEntry(e Entry) error {
	_, err := fmt.Fprintf(os.Stderr, "[%s]: %s %v\n", e.Level.Short(), e.Message, e.Fields)
	return err
}
