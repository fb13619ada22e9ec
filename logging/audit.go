package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditLogger 审计日志记录器接口
type AuditLogger interface {
	LogTransition(ctx context.Context, event *TransitionEvent) error
	LogCertificate(ctx context.Context, event *CertificateEvent) error
	LogSecurity(ctx context.Context, event *SecurityEvent) error
	Query(ctx context.Context, filter *AuditFilter) ([]*AuditLog, error)
}

// FileAuditLogger 基于文件的审计日志记录器（JSON Lines）
type FileAuditLogger struct {
	outputPath string
	logger     Logger
	file       *os.File
	mu         sync.Mutex
	logs       []*AuditLog // 内存索引，供 Query 使用
	maxCached  int
}

// NewFileAuditLogger 创建新的文件审计日志记录器
func NewFileAuditLogger(outputPath string, logger Logger) (*FileAuditLogger, error) {
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit log file: %w", err)
	}
	if logger == nil {
		logger = Nop()
	}

	return &FileAuditLogger{
		outputPath: outputPath,
		logger:     logger,
		file:       f,
		logs:       make([]*AuditLog, 0),
		maxCached:  10000,
	}, nil
}

// LogTransition 记录 TLS 状态迁移
func (a *FileAuditLogger) LogTransition(ctx context.Context, event *TransitionEvent) error {
	if event == nil {
		return fmt.Errorf("transition event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return a.writeLog(&AuditLog{
		ID:        "tr_" + uuid.NewString(),
		Timestamp: event.Timestamp,
		EventType: "transition",
		Data:      event,
		Indexed: map[string]interface{}{
			"server": event.Server,
			"serial": event.Serial,
			"action": event.To,
		},
	})
}

// LogCertificate 记录证书事件
func (a *FileAuditLogger) LogCertificate(ctx context.Context, event *CertificateEvent) error {
	if event == nil {
		return fmt.Errorf("certificate event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return a.writeLog(&AuditLog{
		ID:        "cert_" + uuid.NewString(),
		Timestamp: event.Timestamp,
		EventType: "certificate",
		Data:      event,
		Indexed: map[string]interface{}{
			"serial": event.Serial,
			"action": event.Action,
		},
	})
}

// LogSecurity 记录安全事件
func (a *FileAuditLogger) LogSecurity(ctx context.Context, event *SecurityEvent) error {
	if event == nil {
		return fmt.Errorf("security event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// 安全事件同时记录到结构化日志
	a.logger.Warn("Security Event",
		"event_type", event.EventType,
		"severity", event.Severity,
		"serial", event.Serial,
		"message", event.Message,
	)

	return a.writeLog(&AuditLog{
		ID:        "sec_" + uuid.NewString(),
		Timestamp: event.Timestamp,
		EventType: "security",
		Data:      event,
		Indexed: map[string]interface{}{
			"serial":     event.Serial,
			"event_type": event.EventType,
			"severity":   event.Severity,
		},
	})
}

// Query 查询审计日志（仅覆盖本进程写入的记录）
func (a *FileAuditLogger) Query(ctx context.Context, filter *AuditFilter) ([]*AuditLog, error) {
	if filter == nil {
		filter = &AuditFilter{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var results []*AuditLog
	for _, log := range a.logs {
		if matchFilter(log, filter) {
			results = append(results, log)
		}
	}

	start := filter.Offset
	if start > len(results) {
		start = len(results)
	}
	end := len(results)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	return results[start:end], nil
}

func matchString(log *AuditLog, key, want string) bool {
	if want == "" {
		return true
	}
	v, ok := log.Indexed[key].(string)
	return ok && v == want
}

// matchFilter 检查日志是否匹配过滤条件
func matchFilter(log *AuditLog, filter *AuditFilter) bool {
	if !filter.StartTime.IsZero() && log.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && log.Timestamp.After(filter.EndTime) {
		return false
	}
	if !matchString(log, "serial", filter.Serial) ||
		!matchString(log, "server", filter.Server) ||
		!matchString(log, "action", filter.Action) {
		return false
	}
	if filter.EventType != "" {
		if v, ok := log.Indexed["event_type"].(SecurityEventType); !ok || v != filter.EventType {
			return false
		}
	}
	if filter.Severity != "" {
		if v, ok := log.Indexed["severity"].(Severity); !ok || v != filter.Severity {
			return false
		}
	}
	return true
}

func (a *FileAuditLogger) writeLog(log *AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal audit log: %w", err)
	}
	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}

	a.logs = append(a.logs, log)
	if len(a.logs) > a.maxCached {
		a.logs = a.logs[len(a.logs)-a.maxCached:]
	}
	return nil
}

// Close 关闭审计日志记录器
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file != nil {
		return a.file.Close()
	}
	return nil
}
