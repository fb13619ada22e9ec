// Package certstatus locates a certificate's status-monitoring endpoint and
// fetches, subscribes to and verifies signed status records from the CMS.
package certstatus

import (
	"crypto/x509"
	"errors"
	"time"

	"github.com/houzhh15/pvasec/protocol"
)

var (
	// ErrNoStatusExtension 证书不含状态监控扩展
	ErrNoStatusExtension = errors.New("certificate has no status extension")
	// ErrStatusUnreachable 状态服务不可达
	ErrStatusUnreachable = errors.New("status service unreachable")
	// ErrStatusTimeout 状态请求超时
	ErrStatusTimeout = errors.New("status request timed out")
	// ErrStatusMalformed 状态记录格式错误、签名无效或序列号不匹配
	ErrStatusMalformed = errors.New("status response malformed")
	// ErrSubscriptionLost 状态订阅连接中断
	ErrSubscriptionLost = errors.New("status subscription lost")
)

// Status 证书状态
type Status int

const (
	StatusUnknown Status = iota
	StatusGood
	StatusRevoked
	StatusExpired
	StatusPending
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "GOOD"
	case StatusRevoked:
		return "REVOKED"
	case StatusExpired:
		return "EXPIRED"
	case StatusPending:
		return "PENDING"
	default:
		return "UNKNOWN"
	}
}

// Terminal 吊销或过期后证书不会再变为 GOOD
func (s Status) Terminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

// CertificateStatus 已验证的证书状态，构造后不可变
type CertificateStatus struct {
	Serial     string
	Status     Status
	ThisUpdate time.Time
	ValidUntil time.Time
	RevokedAt  time.Time // zero unless REVOKED
}

// IsGood 在 now 时刻是否仍为有效的 GOOD
func (s CertificateStatus) IsGood(now time.Time) bool {
	return s.Status == StatusGood && now.Before(s.ValidUntil)
}

// Stale 状态已超过有效期
func (s CertificateStatus) Stale(now time.Time) bool {
	return !now.Before(s.ValidUntil)
}

// PermanentlyGood 无状态扩展证书的合成状态：有效至证书过期
func PermanentlyGood(cert *x509.Certificate, now time.Time) CertificateStatus {
	st := StatusGood
	if now.Before(cert.NotBefore) {
		st = StatusPending
	} else if now.After(cert.NotAfter) {
		st = StatusExpired
	}
	return CertificateStatus{
		Serial:     protocol.SerialString(cert.SerialNumber),
		Status:     st,
		ThisUpdate: now,
		ValidUntil: cert.NotAfter,
	}
}

// Callback 状态更新回调，在订阅 goroutine 中调用
type Callback func(status CertificateStatus, err error)

// Handle 订阅句柄
type Handle interface {
	Unsubscribe()
}
