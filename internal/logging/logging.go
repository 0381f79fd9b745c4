package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cellflow/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging with optional daily file output.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stdout}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("cellflow-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "cellflow-current.log")
		_ = os.Remove(currentLogPath)
		// Best effort; the dated file is still written without the link.
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	var handler slog.Handler
	out := io.MultiWriter(writers...)
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = &TraditionalHandler{
			logger: log.New(out, "", log.LstdFlags),
			level:  level,
		}
	}

	slogLogger := slog.New(handler)
	slog.SetDefault(slogLogger)

	slogLogger.Debug("cellflow logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return slogLogger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	// [LEVEL] message
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &TraditionalHandler{logger: h.logger, level: h.level}
	next.attrs = append(append(next.attrs, h.attrs...), attrs...)
	return next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened.
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogJobStart logs the beginning of a processing job
func LogJobStart(logger *slog.Logger, jobType, jobID, stack string, options map[string]any) {
	logger.Info("job started",
		"type", jobType,
		"id", jobID,
		"stack", stack,
		"options", options,
	)
}

// LogJobComplete logs successful job completion
func LogJobComplete(logger *slog.Logger, jobType, jobID string, duration time.Duration, resultInfo map[string]any) {
	logger.Info("job completed successfully",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", resultInfo,
	)
}

// LogJobError logs job failures
func LogJobError(logger *slog.Logger, jobType, jobID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("job failed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogStage logs the completion of one parallel processing stage.
func LogStage(logger *slog.Logger, stage string, units int, duration time.Duration, err error) {
	if err != nil {
		logger.Error("stage failed",
			"stage", stage,
			"units", units,
			"duration_ms", duration.Milliseconds(),
			"error", err.Error(),
		)
		return
	}
	logger.Debug("stage complete",
		"stage", stage,
		"units", units,
		"duration_ms", duration.Milliseconds(),
	)
}
