// Package logx is a thin wrapper over log.Logger giving the fastboot core
// simple leveled debug()/error()/info() calls without pulling in a
// structured logging framework.
package logx

import (
	"log"
	"os"
)

var (
	debugEnabled = os.Getenv("FASTBOOTD_DEBUG") == "1"
	std          = log.New(os.Stderr, "", log.LstdFlags)
)

// SetDebug toggles whether Debugf actually prints.
func SetDebug(on bool) { debugEnabled = on }

// Debugf logs a low-priority diagnostic, printed only when debug is enabled.
func Debugf(format string, args ...any) {
	if debugEnabled {
		std.Printf("DEBUG "+format, args...)
	}
}

// Errorf logs an operator-visible error.
func Errorf(format string, args ...any) {
	std.Printf("ERROR "+format, args...)
}

// Infof logs routine progress.
func Infof(format string, args ...any) {
	std.Printf("INFO "+format, args...)
}
