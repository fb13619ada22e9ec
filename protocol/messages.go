package protocol

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// 操作名称（与 PVA RPC 操作名保持一致）
const (
	OpCertCreate = "CERT:CREATE"
	OpCertStatus = "CERT:STATUS"
	OpCertRevoke = "CERT:REVOKE"
)

// 证书用途
const (
	UsageServer = "server"
	UsageClient = "client"
)

// 证书状态（CMS 注册表与状态记录共用）
const (
	StatusPending = "PENDING"
	StatusValid   = "VALID"
	StatusRevoked = "REVOKED"
	StatusExpired = "EXPIRED"
)

// SSE 事件类型
const (
	EventStatus    = "status"
	EventHeartbeat = "heartbeat"
)

// CertCreateRequest CERT:CREATE 请求
type CertCreateRequest struct {
	Name             string        `json:"name"`
	Organization     string        `json:"organization,omitempty"`
	OrganizationUnit string        `json:"organization_unit,omitempty"`
	Country          string        `json:"country,omitempty"`
	Usage            []string      `json:"usage"`
	PublicKey        string        `json:"public_key"` // PEM PKIX
	Validity         time.Duration `json:"validity,omitempty"`
	// NoStatus 签发不带状态监控扩展的证书
	NoStatus bool `json:"no_status,omitempty"`
}

// CertCreateResponse CERT:CREATE 响应
type CertCreateResponse struct {
	Serial    string    `json:"serial"`
	IssuerID  string    `json:"issuer_id"`
	StatusPV  string    `json:"status_pv,omitempty"`
	CertPEM   string    `json:"cert_pem"`
	ChainPEM  string    `json:"chain_pem"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
}

// StatusRecord 证书状态记录
// OCSP 字段为 CA 签名的 DER 响应（base64），其余字段仅供展示，接收方以签名内容为准
type StatusRecord struct {
	Serial     string     `json:"serial"`
	Status     string     `json:"status"`
	ThisUpdate time.Time  `json:"this_update"`
	NextUpdate time.Time  `json:"next_update"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	OCSP       []byte     `json:"ocsp"`
}

// RevokeRequest 吊销请求
type RevokeRequest struct {
	Reason int `json:"reason,omitempty"` // RFC 5280 CRLReason
}

// CertInfo 证书查询结果
type CertInfo struct {
	Serial    string     `json:"serial"`
	Subject   string     `json:"subject"`
	IssuerID  string     `json:"issuer_id"`
	StatusPV  string     `json:"status_pv,omitempty"`
	Status    string     `json:"status"`
	NotBefore time.Time  `json:"not_before"`
	NotAfter  time.Time  `json:"not_after"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// SerialString 序列号的规范文本形式（小写十六进制）
func SerialString(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	return serial.Text(16)
}

// IssuerID CA 标识：主题密钥标识符的前 8 个十六进制字符
func IssuerID(ca *x509.Certificate) string {
	ski := ca.SubjectKeyId
	if len(ski) == 0 {
		h := sha1.Sum(ca.RawSubjectPublicKeyInfo)
		ski = h[:]
	}
	id := hex.EncodeToString(ski)
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// StatusPV 构造状态 PV 名称 CERT:STATUS:<issuer_id>:<serial>
func StatusPV(issuerID, serial string) string {
	return fmt.Sprintf("%s:%s:%s", OpCertStatus, issuerID, serial)
}

// ParseStatusPV 解析状态 PV 名称
func ParseStatusPV(pv string) (issuerID, serial string, err error) {
	rest, ok := strings.CutPrefix(pv, OpCertStatus+":")
	if !ok {
		return "", "", fmt.Errorf("status pv %q: missing %s prefix", pv, OpCertStatus)
	}
	issuerID, serial, ok = strings.Cut(rest, ":")
	if !ok || issuerID == "" || serial == "" || strings.Contains(serial, ":") {
		return "", "", fmt.Errorf("status pv %q: want %s:<issuer_id>:<serial>", pv, OpCertStatus)
	}
	return issuerID, serial, nil
}
