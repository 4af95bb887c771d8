package loggingx

import (
	"github.com/dogmatiq/dodeca/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Zap returns a logger that writes to a zap logger.
//
// Messages are written at the info level, and debug messages at the debug
// level.
func Zap(target *zap.Logger) logging.Logger {
	// Skip the frames of the adaptor and the dodeca package-level function so
	// the caller is the code that logged the message.
	target = target.WithOptions(zap.AddCallerSkip(2))

	return &zapper{
		target,
		target.Sugar(),
	}
}

type zapper struct {
	target *zap.Logger
	sugar  *zap.SugaredLogger
}

func (z *zapper) Log(fmt string, v ...interface{}) {
	z.sugar.Infof(fmt, v...)
}

func (z *zapper) LogString(s string) {
	z.target.Info(s)
}

func (z *zapper) Debug(fmt string, v ...interface{}) {
	z.sugar.Debugf(fmt, v...)
}

func (z *zapper) DebugString(s string) {
	z.target.Debug(s)
}

func (z *zapper) IsDebug() bool {
	return z.target.Core().Enabled(zapcore.DebugLevel)
}
