package kerrs

import (
	"log"
	"os"
)

// Logger is a tiny leveled wrapper around the standard logger, tagging
// every line with a component name so boot and fault output can be read per
// subsystem.
type Logger struct {
	component string
	std       *log.Logger
}

// NewLogger returns a Logger prefixing every line with "[component]".
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		std:       log.New(os.Stderr, "", log.Lmicroseconds),
	}
}

// Infof logs an informational line.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.std.Printf("[%s] "+format, append([]interface{}{l.component}, args...)...)
}

// Warnf logs a warning line.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.std.Printf("[%s] warn: "+format, append([]interface{}{l.component}, args...)...)
}
