package cms

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/houzhh15/pvasec/protocol"
	"golang.org/x/crypto/ocsp"
)

// cachedStatus 已签名的状态记录；过了半衰期或状态变化后重新签名
type cachedStatus struct {
	record    *protocol.StatusRecord
	refreshAt time.Time
}

// Responder 为注册表记录签发 OCSP 状态响应
type Responder struct {
	ca       *CA
	validity time.Duration
	clock    func() time.Time
	cache    *lru.Cache
	mu       sync.Mutex
}

// NewResponder 创建状态响应器
func NewResponder(ca *CA, validity time.Duration, cacheSize int, clock func() time.Time) (*Responder, error) {
	if ca == nil {
		return nil, fmt.Errorf("ca is required")
	}
	if validity <= 0 {
		validity = 30 * time.Minute
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	if clock == nil {
		clock = time.Now
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Responder{ca: ca, validity: validity, clock: clock, cache: cache}, nil
}

// Status 返回记录当前的签名状态
func (r *Responder) Status(rec *CertRecord) (*protocol.StatusRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	if v, ok := r.cache.Get(rec.Serial); ok {
		c := v.(*cachedStatus)
		if c.record.Status == rec.Status && now.Before(c.refreshAt) {
			return c.record, nil
		}
	}

	record, err := r.sign(rec, now)
	if err != nil {
		return nil, err
	}
	r.cache.Add(rec.Serial, &cachedStatus{record: record, refreshAt: now.Add(r.validity / 2)})
	return record, nil
}

// Refresh 忽略缓存重新签名
func (r *Responder) Refresh(rec *CertRecord) (*protocol.StatusRecord, error) {
	r.Invalidate(rec.Serial)
	return r.Status(rec)
}

// Invalidate 移除缓存
func (r *Responder) Invalidate(serial string) {
	r.cache.Remove(serial)
}

func (r *Responder) sign(rec *CertRecord, now time.Time) (*protocol.StatusRecord, error) {
	serial, ok := new(big.Int).SetString(rec.Serial, 16)
	if !ok {
		return nil, fmt.Errorf("invalid serial %q", rec.Serial)
	}

	tmpl := ocsp.Response{
		SerialNumber: serial,
		ThisUpdate:   now,
		NextUpdate:   now.Add(r.validity),
	}
	switch rec.Status {
	case protocol.StatusRevoked:
		tmpl.Status = ocsp.Revoked
		tmpl.RevokedAt = now
		if rec.RevokedAt != nil {
			tmpl.RevokedAt = *rec.RevokedAt
		}
		tmpl.RevocationReason = rec.RevokeReason
	case protocol.StatusValid, protocol.StatusPending, protocol.StatusExpired:
		// PENDING/EXPIRED 由接收方根据证书有效期判定
		tmpl.Status = ocsp.Good
	default:
		tmpl.Status = ocsp.Unknown
	}

	caCert := r.ca.Certificate()
	der, err := ocsp.CreateResponse(caCert, caCert, tmpl, r.ca.Signer())
	if err != nil {
		return nil, fmt.Errorf("sign status for %s: %w", rec.Serial, err)
	}

	record := &protocol.StatusRecord{
		Serial:     rec.Serial,
		Status:     rec.Status,
		ThisUpdate: tmpl.ThisUpdate,
		NextUpdate: tmpl.NextUpdate,
		OCSP:       der,
	}
	if tmpl.Status == ocsp.Revoked {
		at := tmpl.RevokedAt
		record.RevokedAt = &at
	}
	return record, nil
}
