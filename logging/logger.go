package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger 定义日志记录器接口
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
}

// Level 日志级别
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Format 日志格式
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// redacted 敏感字段的替换值
const redacted = "***"

// LogEntry 日志条目
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// DefaultLogger 默认日志记录器实现
type DefaultLogger struct {
	level  Level
	format Format
	output io.Writer
	closer io.Closer
	mu     sync.Mutex
}

// Config 日志配置
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "text", "json"
	Output string // "stdout", "stderr", or file path
}

// NewLogger 创建新的日志记录器
func NewLogger(cfg *Config) (*DefaultLogger, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	logger := &DefaultLogger{
		level:  ParseLevel(cfg.Level),
		format: parseFormat(cfg.Format),
	}

	switch cfg.Output {
	case "stdout", "":
		logger.output = os.Stdout
	case "stderr":
		logger.output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logger.output = f
		logger.closer = f
	}

	return logger, nil
}

// NewWriterLogger 创建写入任意 io.Writer 的日志记录器（测试常用）
func NewWriterLogger(w io.Writer, level Level, format Format) *DefaultLogger {
	return &DefaultLogger{level: level, format: format, output: w}
}

// ParseLevel 解析日志级别字符串，未知值按 info 处理
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func parseFormat(s string) Format {
	if s == "json" {
		return FormatJSON
	}
	return FormatText
}

// isSensitiveKey 口令、密钥类字段一律不落日志
func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "password") || strings.Contains(k, "pwd") || strings.Contains(k, "secret")
}

func (l *DefaultLogger) log(level Level, msg string, fields ...interface{}) {
	if level < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     levelString(level),
		Message:   msg,
		Fields:    make(map[string]interface{}),
	}

	for i := 0; i < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		if i+1 >= len(fields) {
			entry.Fields[key] = "(missing)"
			break
		}
		value := fields[i+1]
		if isSensitiveKey(key) {
			value = redacted
		}
		if err, ok := value.(error); ok && err != nil {
			value = err.Error()
		}
		entry.Fields[key] = value
	}

	var output string
	if l.format == FormatJSON {
		data, err := json.Marshal(entry)
		if err != nil {
			data = []byte(fmt.Sprintf(`{"level":%q,"message":%q,"marshal_error":%q}`, entry.Level, msg, err.Error()))
		}
		output = string(data)
	} else {
		output = fmt.Sprintf("[%s] %s: %s", entry.Timestamp, entry.Level, entry.Message)
		if len(entry.Fields) > 0 {
			keys := make([]string, 0, len(entry.Fields))
			for k := range entry.Fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var b strings.Builder
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
			}
			output += b.String()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.output, output)
}

func levelString(l Level) string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Debug 记录调试级别日志
func (l *DefaultLogger) Debug(msg string, fields ...interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info 记录信息级别日志
func (l *DefaultLogger) Info(msg string, fields ...interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn 记录警告级别日志
func (l *DefaultLogger) Warn(msg string, fields ...interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error 记录错误级别日志
func (l *DefaultLogger) Error(msg string, fields ...interface{}) {
	l.log(LevelError, msg, fields...)
}

// Close 关闭文件输出（stdout/stderr 无需关闭）
func (l *DefaultLogger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// fieldLogger 附带固定字段的子日志记录器
type fieldLogger struct {
	parent Logger
	fields []interface{}
}

// With 返回附带固定字段（如 component）的子日志记录器
func With(parent Logger, fields ...interface{}) Logger {
	if parent == nil {
		parent = Nop()
	}
	return &fieldLogger{parent: parent, fields: fields}
}

func (f *fieldLogger) merge(fields []interface{}) []interface{} {
	out := make([]interface{}, 0, len(f.fields)+len(fields))
	out = append(out, f.fields...)
	return append(out, fields...)
}

func (f *fieldLogger) Debug(msg string, fields ...interface{}) { f.parent.Debug(msg, f.merge(fields)...) }
func (f *fieldLogger) Info(msg string, fields ...interface{})  { f.parent.Info(msg, f.merge(fields)...) }
func (f *fieldLogger) Warn(msg string, fields ...interface{})  { f.parent.Warn(msg, f.merge(fields)...) }
func (f *fieldLogger) Error(msg string, fields ...interface{}) { f.parent.Error(msg, f.merge(fields)...) }

// nopLogger 空日志实现
type nopLogger struct{}

func (nopLogger) Debug(msg string, fields ...interface{}) {}
func (nopLogger) Info(msg string, fields ...interface{})  {}
func (nopLogger) Warn(msg string, fields ...interface{})  {}
func (nopLogger) Error(msg string, fields ...interface{}) {}

// Nop 返回丢弃所有输出的日志记录器
func Nop() Logger {
	return nopLogger{}
}
