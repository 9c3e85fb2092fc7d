package schedule

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type cronLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger adapts a zap logger to cron.Logger. Cron's chatty scheduling
// messages are logged at debug level.
func NewLogger(logger *zap.Logger) cron.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return cronLogger{sugar: logger.Named("cron").Sugar()}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
