package logging

import (
	"context"
	"log/slog"
	"strings"
)

// Writer is an io.Writer implementation that forwards command output to slog.
type Writer struct {
	logger *slog.Logger
	level  slog.Level
	source string
}

// NewWriter constructs a Writer bound to the provided logger. Every non-empty
// line is logged at level with a "source" attribute naming the producer.
func NewWriter(logger *slog.Logger, level Level, source string) *Writer {
	return &Writer{logger: logger, level: slog.Level(level), source: source}
}

// Write logs each line of p as a separate record.
func (w *Writer) Write(p []byte) (int, error) {
	if w.logger == nil {
		return len(p), nil
	}
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		w.logger.Log(context.Background(), w.level, "command output", "source", w.source, "line", line)
	}
	return len(p), nil
}
