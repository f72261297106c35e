package pecorino

import "github.com/rs/zerolog"

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger wraps an existing zerolog.Logger for use as a pecorino
// Logger.
func NewZerologLogger(logger zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: logger}
}

func (l *ZerologLogger) event(e *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}

func (l *ZerologLogger) Debug(msg string, kv ...any) {
	l.event(l.logger.Debug(), msg, kv)
}

func (l *ZerologLogger) Info(msg string, kv ...any) {
	l.event(l.logger.Info(), msg, kv)
}

func (l *ZerologLogger) Warn(msg string, kv ...any) {
	l.event(l.logger.Warn(), msg, kv)
}

func (l *ZerologLogger) Error(msg string, kv ...any) {
	l.event(l.logger.Error(), msg, kv)
}

var _ Logger = (*ZerologLogger)(nil)
