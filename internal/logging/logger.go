// Package logging wraps the standard library logger behind the
// application.Logger port, the way the teacher's infrastructure/logging
// package wraps log.Printf behind application.Logger.
package logging

import (
	"log"
	"os"

	"bhid/application"
)

// StdLogger is a component-tagged logger backed by the standard library
// log package (spec.md §7: every error is logged with a component tag).
type StdLogger struct {
	component string
	std       *log.Logger
}

func New(component string) application.Logger {
	return &StdLogger{
		component: component,
		std:       log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *StdLogger) Printf(format string, v ...any) {
	l.std.Printf("["+l.component+"] "+format, v...)
}

func (l *StdLogger) With(component string) application.Logger {
	return New(l.component + "." + component)
}
