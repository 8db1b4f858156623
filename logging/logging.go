// Package logging configures the single structured logger the rest of
// this module optionally traces through -- a generalization of the
// teacher's text_color_set level switch, backed by a real leveled
// logger instead of a bare level int.
package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

// New builds a *log.Logger writing to stderr at the level implied by
// verbosity: 0 is warn, 1 is info, 2+ is debug (the level at which
// xmodem/qda trace individual frames and transactions).
func New(verbosity int) *log.Logger {
	level := log.WarnLevel
	switch {
	case verbosity >= 2:
		level = log.DebugLevel
	case verbosity == 1:
		level = log.InfoLevel
	}

	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})
	return l
}
