package loggingx

import (
	"fmt"
	"strings"

	"github.com/dogmatiq/dodeca/logging"
)

// WithPrefix returns a logger that prepends a formatted prefix to each
// message written to target.
//
// If target is nil, logging.DefaultLogger is used.
func WithPrefix(target logging.Logger, f string, v ...interface{}) logging.Logger {
	if target == nil {
		target = logging.DefaultLogger
	}

	p := fmt.Sprintf(f, v...)

	return prefixer{
		target:  target,
		literal: p,
		escaped: strings.ReplaceAll(p, "%", "%%"),
	}
}

// prefixer is a logging.Logger that prepends a prefix to each message.
//
// The prefix is escaped before it is prepended to a format string so that
// any % characters it contains are not treated as verbs.
type prefixer struct {
	target  logging.Logger
	literal string
	escaped string
}

func (p prefixer) Log(f string, v ...interface{}) {
	p.target.Log(p.escaped+f, v...)
}

func (p prefixer) LogString(s string) {
	p.target.LogString(p.literal + s)
}

func (p prefixer) Debug(f string, v ...interface{}) {
	p.target.Debug(p.escaped+f, v...)
}

func (p prefixer) DebugString(s string) {
	p.target.DebugString(p.literal + s)
}

func (p prefixer) IsDebug() bool {
	return p.target.IsDebug()
}
