package logging

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// WatermillLogger adapts zap to watermill.LoggerAdapter
type WatermillLogger struct {
	l *zap.Logger
}

// NewWatermillLogger wraps l for use by watermill publishers and subscribers
func NewWatermillLogger(l *zap.Logger) watermill.LoggerAdapter {
	return &WatermillLogger{l: OrNop(l)}
}

func (w *WatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Error(msg, append(toZap(fields), zap.Error(err))...)
}

func (w *WatermillLogger) Info(msg string, fields watermill.LogFields) {
	w.l.Info(msg, toZap(fields)...)
}

func (w *WatermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.l.Debug(msg, toZap(fields)...)
}

// Trace maps to debug, zap has no lower level
func (w *WatermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.l.Debug(msg, toZap(fields)...)
}

func (w *WatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillLogger{l: w.l.With(toZap(fields)...)}
}

func toZap(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
