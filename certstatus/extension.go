package certstatus

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// OIDStatusExtension 状态监控扩展 OID，值为 UTF8String 状态 PV 名称
var OIDStatusExtension = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 37427, 1}

// NewStatusExtension 构造状态监控扩展
func NewStatusExtension(endpoint string) (pkix.Extension, error) {
	if endpoint == "" {
		return pkix.Extension{}, fmt.Errorf("status endpoint is empty")
	}
	value, err := asn1.MarshalWithParams(endpoint, "utf8")
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("marshal status extension: %w", err)
	}
	return pkix.Extension{Id: OIDStatusExtension, Value: value}, nil
}

// StatusEndpoint 读取证书的状态 PV；无扩展时返回 ErrNoStatusExtension
func StatusEndpoint(cert *x509.Certificate) (string, error) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(OIDStatusExtension) {
			continue
		}
		var endpoint string
		rest, err := asn1.UnmarshalWithParams(ext.Value, &endpoint, "utf8")
		if err != nil {
			return "", fmt.Errorf("%w: status extension: %v", ErrStatusMalformed, err)
		}
		if len(rest) > 0 || endpoint == "" {
			return "", fmt.Errorf("%w: status extension has trailing data or empty endpoint", ErrStatusMalformed)
		}
		return endpoint, nil
	}
	return "", ErrNoStatusExtension
}
