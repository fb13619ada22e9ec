package certstatus

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"time"

	"github.com/houzhh15/pvasec/protocol"
	"golang.org/x/crypto/ocsp"
)

// maxClockSkew 允许 OCSP ThisUpdate 超前本地时钟的幅度
const maxClockSkew = 5 * time.Minute

// Verify 校验 CA 签名的 OCSP 响应并转换为证书状态
// 签名、序列号与时间均取自 OCSP 响应本身
func Verify(der []byte, cert, issuer *x509.Certificate, now time.Time) (CertificateStatus, error) {
	if len(der) == 0 {
		return CertificateStatus{}, fmt.Errorf("%w: empty ocsp response", ErrStatusMalformed)
	}
	if issuer == nil {
		return CertificateStatus{}, fmt.Errorf("%w: no issuer to verify against", ErrStatusMalformed)
	}

	resp, err := ocsp.ParseResponseForCert(der, cert, issuer)
	if err != nil {
		return CertificateStatus{}, fmt.Errorf("%w: %v", ErrStatusMalformed, err)
	}
	if resp.SerialNumber == nil || resp.SerialNumber.Cmp(cert.SerialNumber) != 0 {
		return CertificateStatus{}, fmt.Errorf("%w: serial mismatch", ErrStatusMalformed)
	}
	if resp.NextUpdate.IsZero() {
		return CertificateStatus{}, fmt.Errorf("%w: response has no next update", ErrStatusMalformed)
	}
	if resp.ThisUpdate.After(now.Add(maxClockSkew)) {
		return CertificateStatus{}, fmt.Errorf("%w: this update %s is in the future", ErrStatusMalformed, resp.ThisUpdate.Format(time.RFC3339))
	}

	status := CertificateStatus{
		Serial:     protocol.SerialString(resp.SerialNumber),
		ThisUpdate: resp.ThisUpdate,
		ValidUntil: resp.NextUpdate,
	}
	if cert.NotAfter.Before(status.ValidUntil) {
		status.ValidUntil = cert.NotAfter
	}

	switch resp.Status {
	case ocsp.Good:
		switch {
		case now.Before(cert.NotBefore):
			status.Status = StatusPending
		case now.After(cert.NotAfter):
			status.Status = StatusExpired
		default:
			status.Status = StatusGood
		}
	case ocsp.Revoked:
		status.Status = StatusRevoked
		status.RevokedAt = resp.RevokedAt
	default:
		status.Status = StatusUnknown
	}
	return status, nil
}

// ParseRecord 解析 JSON 状态记录并校验其中的 OCSP 响应
func ParseRecord(data []byte, cert, issuer *x509.Certificate, now time.Time) (CertificateStatus, error) {
	var rec protocol.StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return CertificateStatus{}, fmt.Errorf("%w: decode status record: %v", ErrStatusMalformed, err)
	}
	if rec.Serial != "" && rec.Serial != protocol.SerialString(cert.SerialNumber) {
		return CertificateStatus{}, fmt.Errorf("%w: record serial %s does not match certificate", ErrStatusMalformed, rec.Serial)
	}
	return Verify(rec.OCSP, cert, issuer, now)
}
