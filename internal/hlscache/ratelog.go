package hlscache

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimitedLogger emits at most one warning per interval. Capacity
// pressure on the stores would otherwise log on every write.
type rateLimitedLogger struct {
	log *zap.Logger
	s   *rate.Sometimes
}

func newRateLimitedLogger(log *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, s: &rate.Sometimes{Interval: interval}}
}

func (l *rateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.s.Do(func() {
		l.log.Warn(msg, fields...)
	})
}
