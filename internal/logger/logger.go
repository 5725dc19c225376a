// Package logger wraps gookit/slog with the JSON layout used across the services.
package logger

import (
	"os"

	"github.com/gookit/slog"
	"github.com/gookit/slog/handler"
)

// Fields carries structured key/value pairs for a single log line.
type Fields map[string]any

// Log is the process-wide logger. Entry points replace it with New(cfg.LogLevel).
var Log = New("info")

// New builds a JSON console logger that emits every level at or above level.
func New(level string) *slog.Logger {
	logLevel := slog.LevelByName(level)

	var levels slog.Levels
	for _, lv := range slog.AllLevels {
		if lv <= logLevel {
			levels = append(levels, lv)
		}
	}

	h := handler.NewConsoleHandler(levels)
	formatter := slog.NewJSONFormatter(func(f *slog.JSONFormatter) {
		f.Fields = []string{
			slog.FieldKeyDatetime,
			slog.FieldKeyLevel,
			slog.FieldKeyMessage,
		}
		f.Aliases = slog.StringMap{
			slog.FieldKeyDatetime: "datetime",
			slog.FieldKeyLevel:    "level",
			slog.FieldKeyMessage:  "message",
		}
		f.TimeFormat = "2006-01-02T15:04:05.000"
	})
	h.SetFormatter(formatter)

	return slog.NewWithHandlers(h)
}

func withServiceName(fields Fields) Fields {
	if fields == nil {
		fields = Fields{}
	}
	if _, ok := fields["service_name"]; !ok {
		if sn := os.Getenv("SERVICE_NAME"); sn != "" {
			fields["service_name"] = sn
		}
	}
	return fields
}

func DebugWithFields(msg string, fields Fields) {
	Log.WithFields(slog.M(withServiceName(fields))).Debug(msg)
}

func InfoWithFields(msg string, fields Fields) {
	Log.WithFields(slog.M(withServiceName(fields))).Info(msg)
}

func WarnWithFields(msg string, fields Fields) {
	Log.WithFields(slog.M(withServiceName(fields))).Warn(msg)
}

func ErrorWithFields(msg string, fields Fields) {
	Log.WithFields(slog.M(withServiceName(fields))).Error(msg)
}
