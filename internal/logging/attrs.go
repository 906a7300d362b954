package logging

import (
	"context"
	"log/slog"
	"time"
)

type Attr = slog.Attr

func String(key, value string) Attr { return slog.String(key, value) }

func Int(key string, value int) Attr { return slog.Int(key, value) }

func Int64(key string, value int64) Attr { return slog.Int64(key, value) }

func Bool(key string, value bool) Attr { return slog.Bool(key, value) }

func Duration(key string, value time.Duration) Attr { return slog.Duration(key, value) }

// Error renders err under the "error" key. A nil error is kept visible.
func Error(err error) Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

// NewNop returns a logger that drops everything.
func NewNop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// NewComponentLogger tags logger with the component name. A nil logger
// yields a silent one, so components can be built without logging.
func NewComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	return logger.With(String(FieldComponent, component))
}

// Hints attached when a caller gives none.
const (
	defaultHint   = "rerun with --log-level debug for the full request trail"
	defaultImpact = "the book keeps its previous state"
)

// WarnWithContext logs a warning that operators can act on. event_type is
// always set; error_hint and impact fall back to defaults.
func WarnWithContext(logger *slog.Logger, msg, eventType string, attrs ...Attr) {
	logWithContext(logger, slog.LevelWarn, msg, eventType, true, attrs)
}

// ErrorWithContext logs an error with event_type and error_hint set.
func ErrorWithContext(logger *slog.Logger, msg, eventType string, attrs ...Attr) {
	logWithContext(logger, slog.LevelError, msg, eventType, false, attrs)
}

func logWithContext(logger *slog.Logger, level slog.Level, msg, eventType string, impact bool, attrs []Attr) {
	if logger == nil {
		return
	}
	var hasHint, hasImpact bool
	for _, a := range attrs {
		switch a.Key {
		case FieldErrorHint:
			hasHint = true
		case FieldImpact:
			hasImpact = true
		}
	}
	out := make([]Attr, 0, len(attrs)+3)
	out = append(out, String(FieldEventType, eventType))
	out = append(out, attrs...)
	if !hasHint {
		out = append(out, String(FieldErrorHint, defaultHint))
	}
	if impact && !hasImpact {
		out = append(out, String(FieldImpact, defaultImpact))
	}
	logger.LogAttrs(context.Background(), level, msg, out...)
}
