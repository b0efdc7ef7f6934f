package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup configures the process-wide slog default. Format "pretty" selects
// the colorized development handler; anything else emits JSON lines.
func Setup(format, level string) {
	var handler slog.Handler
	if strings.EqualFold(format, "pretty") {
		handler = NewPrettyHandler(os.Stdout)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)})
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
