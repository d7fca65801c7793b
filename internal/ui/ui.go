// Package ui prints colored progress, warnings and errors to the console.
package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/gookit/color"
	"golang.org/x/term"
)

// color helpers
var (
	ColInfo    = color.Info // style provided by gookit/color
	ColWarn    = color.Warn
	ColError   = color.Error
	ColSuccess = color.HEX("#1976D2")
	ColArrow   = color.HEX("#FFEB3B")
	ColNote    = color.Tag("notice")
)

// color-compatible printer interface (works with *color.Theme and *color.Style)
type colorPrinter interface {
	Sprintf(format string, a ...any) string
	Sprint(a ...any) string
}

// Logger writes build progress to a terminal or log file.
// A nil *Logger is valid and discards everything.
type Logger struct {
	Out     io.Writer
	Debug   bool
	Verbose bool
}

// New returns a Logger writing to stdout.
func New(debug, verbose bool) *Logger {
	return &Logger{Out: os.Stdout, Debug: debug, Verbose: verbose}
}

// Discard returns a Logger that prints nothing.
func Discard() *Logger {
	return &Logger{Out: io.Discard}
}

func (l *Logger) writer() io.Writer {
	if l == nil || l.Out == nil {
		return io.Discard
	}
	return l.Out
}

// cPrintf prints with a colored style or falls back to plain text when nil
func (l *Logger) cPrintf(p colorPrinter, format string, a ...any) {
	w := l.writer()
	if p == nil {
		fmt.Fprintf(w, format, a...)
		return
	}
	fmt.Fprint(w, p.Sprintf(format, a...))
}

// Step prints "-> message" the way every build phase is announced.
func (l *Logger) Step(format string, a ...any) {
	w := l.writer()
	fmt.Fprint(w, ColArrow.Sprint("-> "))
	l.cPrintf(ColSuccess, format+"\n", a...)
}

// Info prints an informational line.
func (l *Logger) Info(format string, a ...any) {
	l.cPrintf(ColInfo, format+"\n", a...)
}

// Warn prints a warning line prefixed with an arrow.
func (l *Logger) Warn(format string, a ...any) {
	w := l.writer()
	fmt.Fprint(w, ColArrow.Sprint("-> "))
	l.cPrintf(ColWarn, format+"\n", a...)
}

// Error prints an error line prefixed with an arrow.
func (l *Logger) Error(format string, a ...any) {
	w := l.writer()
	fmt.Fprint(w, ColArrow.Sprint("-> "))
	l.cPrintf(ColError, format+"\n", a...)
}

// Plain prints without styling.
func (l *Logger) Plain(format string, a ...any) {
	fmt.Fprintf(l.writer(), format, a...)
}

// Debugf prints debug messages when Debug is true
func (l *Logger) Debugf(format string, args ...any) {
	if l == nil || !l.Debug {
		return
	}
	fmt.Fprintf(l.writer(), format, args...)
}

// Verbosef prints when either Verbose or Debug is set.
func (l *Logger) Verbosef(format string, args ...any) {
	if l == nil || (!l.Verbose && !l.Debug) {
		return
	}
	fmt.Fprintf(l.writer(), format, args...)
}

// Interactive reports whether the logger writes to a terminal, in which
// case progress bars are worth drawing.
func (l *Logger) Interactive() bool {
	if l == nil {
		return false
	}
	f, ok := l.Out.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
