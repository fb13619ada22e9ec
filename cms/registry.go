package cms

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/houzhh15/pvasec/logging"
	"github.com/houzhh15/pvasec/protocol"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrCertNotFound 注册表中没有该序列号
	ErrCertNotFound = errors.New("certificate not found")
	// ErrAlreadyRevoked 证书已被吊销
	ErrAlreadyRevoked = errors.New("certificate already revoked")
)

// CertRecord 已签发证书的数据库记录
type CertRecord struct {
	ID           uint   `gorm:"primaryKey"`
	Serial       string `gorm:"uniqueIndex;not null"`
	StatusPV     string `gorm:"index"`
	Subject      string `gorm:"not null"`
	IssuerID     string `gorm:"not null"`
	Usage        string
	NotBefore    time.Time `gorm:"not null"`
	NotAfter     time.Time `gorm:"not null"`
	Status       string    `gorm:"index;default:'VALID'"`
	RevokedAt    *time.Time
	RevokeReason int
	CertDER      []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName 指定表名
func (CertRecord) TableName() string {
	return "cert_records"
}

// Info 转换为 API 结构
func (r *CertRecord) Info() *protocol.CertInfo {
	return &protocol.CertInfo{
		Serial:    r.Serial,
		Subject:   r.Subject,
		IssuerID:  r.IssuerID,
		StatusPV:  r.StatusPV,
		Status:    r.Status,
		NotBefore: r.NotBefore,
		NotAfter:  r.NotAfter,
		RevokedAt: r.RevokedAt,
	}
}

// Certificate 解析记录中的证书
func (r *CertRecord) Certificate() (*x509.Certificate, error) {
	return x509.ParseCertificate(r.CertDER)
}

// OpenDB 打开 sqlite 数据库
func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return db, nil
}

// Registry 证书注册表（数据库支持）
type Registry struct {
	db     *gorm.DB
	logger logging.Logger
	mu     sync.RWMutex
}

// NewRegistry 创建证书注册表
func NewRegistry(db *gorm.DB, log logging.Logger) (*Registry, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if log == nil {
		log = logging.Nop()
	}

	// 自动迁移表结构
	if err := db.AutoMigrate(&CertRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cert_records table: %w", err)
	}
	return &Registry{db: db, logger: log}, nil
}

// Create 登记新签发的证书
func (r *Registry) Create(record *CertRecord) error {
	if record == nil || record.Serial == "" {
		return errors.New("serial is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Create(record).Error; err != nil {
		r.logger.Error("Failed to register certificate", "serial", record.Serial, "error", err)
		return fmt.Errorf("failed to register certificate: %w", err)
	}
	r.logger.Info("Certificate registered", "serial", record.Serial, "subject", record.Subject)
	return nil
}

// Get 按序列号查询
func (r *Registry) Get(serial string) (*CertRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var record CertRecord
	if err := r.db.Where("serial = ?", serial).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCertNotFound, serial)
		}
		return nil, fmt.Errorf("failed to query certificate: %w", err)
	}
	return &record, nil
}

// Revoke 吊销证书
func (r *Registry) Revoke(serial string, reason int, at time.Time) (*CertRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var record CertRecord
	if err := r.db.Where("serial = ?", serial).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCertNotFound, serial)
		}
		return nil, fmt.Errorf("failed to query certificate: %w", err)
	}
	if record.Status == protocol.StatusRevoked {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRevoked, serial)
	}

	result := r.db.Model(&record).Updates(map[string]interface{}{
		"status":        protocol.StatusRevoked,
		"revoked_at":    &at,
		"revoke_reason": reason,
	})
	if result.Error != nil {
		r.logger.Error("Failed to revoke certificate", "serial", serial, "error", result.Error)
		return nil, fmt.Errorf("failed to revoke certificate: %w", result.Error)
	}

	record.Status = protocol.StatusRevoked
	record.RevokedAt = &at
	record.RevokeReason = reason
	r.logger.Info("Certificate revoked", "serial", serial, "reason", reason)
	return &record, nil
}

// MarkExpired 将过期证书标记为 EXPIRED，返回变化的记录
func (r *Registry) MarkExpired(now time.Time) ([]CertRecord, error) {
	return r.transition(protocol.StatusValid, protocol.StatusExpired, "not_after < ?", now)
}

func (r *Registry) transition(from, to, cond string, now time.Time) ([]CertRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var records []CertRecord
	if err := r.db.Where("status = ?", from).Where(cond, now).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query certificates: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	ids := make([]uint, len(records))
	for i := range records {
		ids[i] = records[i].ID
		records[i].Status = to
	}
	if err := r.db.Model(&CertRecord{}).Where("id IN ?", ids).Update("status", to).Error; err != nil {
		return nil, fmt.Errorf("failed to update certificates: %w", err)
	}
	r.logger.Info("Certificate status updated", "from", from, "to", to, "count", len(records))
	return records, nil
}

// List 列出证书；status 为空时列出全部
func (r *Registry) List(status string) ([]CertRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	query := r.db.Model(&CertRecord{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var records []CertRecord
	if err := query.Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	return records, nil
}
