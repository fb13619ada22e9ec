package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// ParseClientAuth 将 none/optional/require 映射为 tls.ClientAuthType
func ParseClientAuth(mode string) (tls.ClientAuthType, error) {
	switch mode {
	case "none":
		return tls.NoClientCert, nil
	case "optional", "":
		return tls.VerifyClientCertIfGiven, nil
	case "require":
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("unknown client cert mode: %s", mode)
	}
}

// NewServerTLSConfig 创建服务端 TLS 配置
// clientCAs 用于验证客户端证书；最低版本 TLS 1.2
func NewServerTLSConfig(cert tls.Certificate, clientCAs *x509.CertPool, auth tls.ClientAuthType) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   auth,
		MinVersion:   tls.VersionTLS12,
	}
	if auth != tls.NoClientCert {
		cfg.ClientCAs = clientCAs
	}
	return cfg
}

// NewClientTLSConfig 创建客户端 TLS 配置（可选客户端证书）
func NewClientTLSConfig(roots *x509.CertPool, cert *tls.Certificate, serverName string) *tls.Config {
	cfg := &tls.Config{
		RootCAs:    roots,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	if cert != nil {
		cfg.Certificates = []tls.Certificate{*cert}
	}
	return cfg
}
