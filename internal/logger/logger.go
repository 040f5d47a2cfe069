package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

// String 返回级别名称
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "INFO"
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR, FATAL:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger 日志记录器
type Logger struct {
	level   *slog.LevelVar
	handler atomic.Pointer[slog.Logger]
}

var defaultLogger = newLogger()

func newLogger() *Logger {
	l := &Logger{level: new(slog.LevelVar)}
	l.level.Set(slog.LevelInfo)
	l.handler.Store(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l.level})))
	return l
}

// Init 配置输出目标和格式（text 或 json）
func Init(w io.Writer, format string, level string) {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: defaultLogger.level}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	defaultLogger.handler.Store(slog.New(h))
	SetLevelFromString(level)
}

// SetLevel 设置日志级别
func SetLevel(level LogLevel) {
	defaultLogger.level.Set(level.slogLevel())
}

// SetLevelFromString 从字符串设置日志级别
func SetLevelFromString(levelStr string) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		SetLevel(DEBUG)
	case "WARN", "WARNING":
		SetLevel(WARN)
	case "ERROR":
		SetLevel(ERROR)
	case "FATAL":
		SetLevel(FATAL)
	default:
		SetLevel(INFO)
	}
}

// Slog 返回底层的 slog.Logger，供需要结构化字段的调用方使用
func Slog() *slog.Logger {
	return defaultLogger.handler.Load()
}

// 内部日志记录方法
func (l *Logger) logf(level LogLevel, format string, args ...interface{}) {
	lg := l.handler.Load()
	sl := level.slogLevel()
	if !lg.Enabled(context.Background(), sl) {
		return
	}
	lg.Log(context.Background(), sl, fmt.Sprintf(format, args...))
}

func (l *Logger) logFields(level LogLevel, message string, fields map[string]interface{}) {
	lg := l.handler.Load()
	sl := level.slogLevel()
	if !lg.Enabled(context.Background(), sl) {
		return
	}
	attrs := make([]any, 0, len(fields)*2)
	for _, key := range sortedKeys(fields) {
		attrs = append(attrs, key, fields[key])
	}
	lg.Log(context.Background(), sl, message, attrs...)
}

// 公共方法
func Debug(format string, args ...interface{}) {
	defaultLogger.logf(DEBUG, format, args...)
}

func Info(format string, args ...interface{}) {
	defaultLogger.logf(INFO, format, args...)
}

func Warn(format string, args ...interface{}) {
	defaultLogger.logf(WARN, format, args...)
}

func Error(format string, args ...interface{}) {
	defaultLogger.logf(ERROR, format, args...)
}

func Fatal(format string, args ...interface{}) {
	defaultLogger.logf(FATAL, format, args...)
	os.Exit(1)
}

// 结构化日志方法
func InfoWithFields(message string, fields map[string]interface{}) {
	defaultLogger.logFields(INFO, message, fields)
}

func WarnWithFields(message string, fields map[string]interface{}) {
	defaultLogger.logFields(WARN, message, fields)
}

func ErrorWithFields(message string, fields map[string]interface{}) {
	defaultLogger.logFields(ERROR, message, fields)
}

func sortedKeys(fields map[string]interface{}) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
