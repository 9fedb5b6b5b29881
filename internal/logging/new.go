package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
)

// New builds the logger named by format: "zap" (production JSON), "dev"
// (zap console), "json" or "text" (slog). Level is debug, info, warn or error.
func New(format, level string) (Logger, error) {
	if level == "" {
		level = "info"
	}
	switch strings.ToLower(format) {
	case "", "zap", "dev":
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		mode := "production"
		if strings.EqualFold(format, "dev") {
			mode = "dev"
		}
		return NewZap(mode, lvl)
	case "json", "text":
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		if strings.EqualFold(format, "json") {
			return NewSlogJSON(os.Stdout, lvl), nil
		}
		return NewSlogText(os.Stdout, lvl), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
