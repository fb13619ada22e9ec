package logging

import "time"

// TransitionEvent TLS 状态迁移事件
// 由 TLS 上下文控制器在每次状态变化时记录
type TransitionEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Server    string                 `json:"server"`
	From      string                 `json:"from"`
	To        string                 `json:"to"`
	Trigger   string                 `json:"trigger"` // "startup", "status", "expiry", "file", "reconfigure", "stop"
	Serial    string                 `json:"serial,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// CertificateEvent 证书事件
// CMS 签发、吊销、过期等操作
type CertificateEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Serial    string                 `json:"serial"`
	Subject   string                 `json:"subject"`
	Action    string                 `json:"action"` // "issue", "revoke", "expire"
	Result    string                 `json:"result"` // "success", "denied", "error"
	Reason    string                 `json:"reason,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// SecurityEvent 安全事件
// 用于记录安全相关的异常和告警
type SecurityEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Serial    string                 `json:"serial,omitempty"`
	EventType SecurityEventType      `json:"event_type"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// SecurityEventType 安全事件类型
type SecurityEventType string

const (
	EventCertInvalid        SecurityEventType = "cert_invalid"
	EventCertExpired        SecurityEventType = "cert_expired"
	EventCertRevoked        SecurityEventType = "cert_revoked"
	EventStatusUnreachable  SecurityEventType = "status_unreachable"
	EventStatusStale        SecurityEventType = "status_stale"
	EventKeychainChanged    SecurityEventType = "keychain_changed"
	EventKeychainRemoved    SecurityEventType = "keychain_removed"
	EventNoCertificate      SecurityEventType = "no_certificate"
	EventUnauthorizedAccess SecurityEventType = "unauthorized_access"
)

// Severity 严重程度
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AuditFilter 审计日志查询过滤器
type AuditFilter struct {
	Serial    string            `json:"serial,omitempty"`
	Server    string            `json:"server,omitempty"`
	Action    string            `json:"action,omitempty"`
	EventType SecurityEventType `json:"event_type,omitempty"`
	Severity  Severity          `json:"severity,omitempty"`
	StartTime time.Time         `json:"start_time,omitempty"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Offset    int               `json:"offset,omitempty"`
}

// AuditLog 审计日志记录
type AuditLog struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"` // "transition", "certificate", "security"
	Data      interface{}            `json:"data"`
	Indexed   map[string]interface{} `json:"indexed,omitempty"`
}
