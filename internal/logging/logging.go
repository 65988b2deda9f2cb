// Package logging provides config-driven categorized logging for the
// engine. Each subsystem logs under its own category; categories can be
// toggled in runtime_config.json. Output goes through zap cores, either to
// a per-workspace log file or stderr.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, layout, migrations
	CategoryStore     Category = "store"     // SQLite store operations
	CategoryEngine    Category = "engine"    // Tick loop, fuses, telemetry
	CategoryExecutor  Category = "executor"  // Executor agent rounds
	CategoryReviewer  Category = "reviewer"  // Reviewer agent rounds
	CategoryPlanner   Category = "planner"   // Plan generation and review
	CategoryContracts Category = "contracts" // Contract normalization/validation
	CategoryLLM       Category = "llm"       // LM API calls
	CategoryMatcher   Category = "matcher"   // Input scanning and binding
	CategorySkills    Category = "skills"    // Skill execution
	CategoryDoctor    Category = "doctor"    // Diagnostics
	CategoryExport    Category = "export"    // Deliverable export
)

// Config mirrors the logging section of runtime_config.json.
type Config struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// Logger wraps a zap sugared logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	base    *zap.Logger
	loggers = make(map[Category]*Logger)
	cfg     Config
	nop     = &Logger{}
)

// Initialize sets up logging for the given workspace. When debug mode is
// off, all category loggers are no-ops. Log files are written under
// <workspace>/state/logs/.
func Initialize(workspace string, c Config) error {
	mu.Lock()
	defer mu.Unlock()

	cfg = c
	loggers = make(map[Category]*Logger)
	if base != nil {
		_ = base.Sync()
		base = nil
	}
	if !c.DebugMode {
		return nil
	}

	level := zapcore.InfoLevel
	switch c.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if c.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer = zapcore.AddSync(os.Stderr)
	if workspace != "" {
		logsDir := filepath.Join(workspace, "state", "logs")
		if err := os.MkdirAll(logsDir, 0o755); err == nil {
			f, err := os.OpenFile(filepath.Join(logsDir, "engine.log"),
				os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				sink = zapcore.AddSync(f)
			} else {
				fmt.Fprintf(os.Stderr, "[logging] could not open log file: %v\n", err)
			}
		}
	}

	base = zap.New(zapcore.NewCore(enc, sink, level))
	return nil
}

// IsCategoryEnabled reports whether a category logs at all.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if !cfg.DebugMode {
		return false
	}
	if cfg.Categories == nil {
		return true
	}
	enabled, ok := cfg.Categories[string(category)]
	if !ok {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category. Disabled categories
// get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return nop
	}
	mu.RLock()
	l, ok := loggers[category]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	if base == nil {
		return nop
	}
	l = &Logger{
		category: category,
		sugar:    base.With(zap.String("cat", string(category))).Sugar(),
	}
	loggers[category] = l
	return l
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// Sync flushes buffered log entries. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if base != nil {
		_ = base.Sync()
	}
}

// Convenience helpers for the busiest categories.

func Boot(format string, args ...interface{})     { Get(CategoryBoot).Info(format, args...) }
func Engine(format string, args ...interface{})   { Get(CategoryEngine).Info(format, args...) }
func Store(format string, args ...interface{})    { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}
func LLM(format string, args ...interface{})     { Get(CategoryLLM).Info(format, args...) }
func Matcher(format string, args ...interface{}) { Get(CategoryMatcher).Info(format, args...) }
