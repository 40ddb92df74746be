// Package logging builds the loggers.Advanced the engine packages accept,
// grounded on the teacher's own default (*logrus.Logger satisfies
// loggers.Advanced directly — NewCopierDefaultConfig/NewRunner just embed
// logrus.New()). This package only adds what a standalone binary needs
// beyond that one-liner: configurable level and output format.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
)

// Options configures the default logger a binary builds at startup.
type Options struct {
	Level  string // "debug", "info", "warn", "error"
	JSON   bool
	Output io.Writer // defaults to os.Stderr
}

// New builds a loggers.Advanced backed by logrus, the teacher's own
// logging library, applying opts on top of logrus's own defaults.
func New(opts Options) (loggers.Advanced, error) {
	l := logrus.New()

	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	if opts.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	level := opts.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("cdc: parsing log level %q: %w", level, err)
	}
	l.SetLevel(lvl)

	return l, nil
}

// Default is the zero-config logger the teacher's own defaults use
// directly (logrus.New() at info level, text format, stderr).
func Default() loggers.Advanced {
	l, _ := New(Options{})
	return l
}
