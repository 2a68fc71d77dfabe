// Package logging provides debug logging utilities for the portal server.
package logging

import "log"

// DebugEnabled controls whether Debug() produces output.
// Set via -log-level DEBUG.
var DebugEnabled bool

// Debug logs a message only when DebugEnabled is true.
func Debug(format string, args ...any) {
	if DebugEnabled {
		log.Printf("DEBUG: "+format, args...)
	}
}

// Info logs an informational message.
func Info(format string, args ...any) {
	log.Printf("INFO: "+format, args...)
}

// Warn logs a warning message.
func Warn(format string, args ...any) {
	log.Printf("WARN: "+format, args...)
}

// Error logs an error message.
func Error(format string, args ...any) {
	log.Printf("ERROR: "+format, args...)
}
