// Package dbglog provides the structured logger every coredbg package
// logs through. It wraps logrus the way the delve lineage in the
// reference pack calls log.WithError(err).Error(...): fields carry
// addr/tid/pid rather than formatted strings.
package dbglog

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface coredbg packages accept. Constructors
// accept a nil Logger and replace it through OrDiscard, so Discard()
// is the default when the caller does not wire one in.
type Logger = *logrus.Entry

// Discard returns a logger that drops everything, used as the default
// when a component is constructed without an explicit logger.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// New returns a text-formatted logger writing to w, suitable for the
// CLI and for tests that want to assert on emitted lines.
func New(w io.Writer) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logrus.NewEntry(l)
}

// OrDiscard returns l if non-nil, otherwise a discard logger.
func OrDiscard(l Logger) Logger {
	if l == nil {
		return Discard()
	}
	return l
}
