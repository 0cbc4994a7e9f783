// Package logutil provides the leveled, printf-style logger used by both
// endpoints of the streaming backup subsystem. It follows the shape of
// cmd/syncthing's package-level infoln/infof/warnln/warnf helpers, bundled
// into a value so that sender and receiver processes can each hold their
// own instance instead of sharing mutable package state.
package logutil

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger is a small leveled wrapper around the standard logger.
type Logger struct {
	l       *log.Logger
	verbose bool
}

// New returns a Logger writing to w. When verbose is false, Info and
// Infof are suppressed; Warn/Warnf/Fatal/Fatalf always print.
func New(w io.Writer, verbose bool) *Logger {
	return &Logger{l: log.New(w, "", log.LstdFlags), verbose: verbose}
}

// Default returns a Logger writing to stderr.
func Default(verbose bool) *Logger {
	return New(os.Stderr, verbose)
}

func (g *Logger) Info(vals ...interface{}) {
	if !g.verbose {
		return
	}
	g.l.Output(2, "INFO: "+fmt.Sprintln(vals...))
}

func (g *Logger) Infof(format string, vals ...interface{}) {
	if !g.verbose {
		return
	}
	g.l.Output(2, "INFO: "+fmt.Sprintf(format, vals...))
}

func (g *Logger) Warn(vals ...interface{}) {
	g.l.Output(2, "WARNING: "+fmt.Sprintln(vals...))
}

func (g *Logger) Warnf(format string, vals ...interface{}) {
	g.l.Output(2, "WARNING: "+fmt.Sprintf(format, vals...))
}

func (g *Logger) Fatal(vals ...interface{}) {
	g.l.Output(2, "FATAL: "+fmt.Sprintln(vals...))
	os.Exit(1)
}

func (g *Logger) Fatalf(format string, vals ...interface{}) {
	g.l.Output(2, "FATAL: "+fmt.Sprintf(format, vals...))
	os.Exit(1)
}
