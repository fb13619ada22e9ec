package keychain

import (
	"crypto/x509"
	"fmt"
	"strings"
)

// Usage 证书用途位集合
type Usage uint8

const (
	UsageServer Usage = 1 << iota
	UsageClient
	UsageCA
)

// Has 是否包含全部指定用途
func (u Usage) Has(want Usage) bool {
	return u&want == want
}

func (u Usage) String() string {
	if u == 0 {
		return "none"
	}
	var parts []string
	if u.Has(UsageServer) {
		parts = append(parts, "server")
	}
	if u.Has(UsageClient) {
		parts = append(parts, "client")
	}
	if u.Has(UsageCA) {
		parts = append(parts, "ca")
	}
	return strings.Join(parts, "|")
}

// Classify 根据扩展密钥用途与基本约束分类证书
func Classify(c *x509.Certificate) Usage {
	var u Usage
	for _, eku := range c.ExtKeyUsage {
		switch eku {
		case x509.ExtKeyUsageServerAuth:
			u |= UsageServer
		case x509.ExtKeyUsageClientAuth:
			u |= UsageClient
		case x509.ExtKeyUsageAny:
			u |= UsageServer | UsageClient
		}
	}
	if c.BasicConstraintsValid && c.IsCA {
		u |= UsageCA
	}
	return u
}

func checkUsage(leaf *x509.Certificate, role Role) error {
	u := Classify(leaf)
	switch role {
	case RoleCA:
		if !u.Has(UsageCA) {
			return fmt.Errorf("%w: ca keychain leaf is not a CA certificate", ErrKeyUsage)
		}
		return nil
	case RoleServer, RoleClient:
		if u.Has(UsageCA) {
			return fmt.Errorf("%w: CA certificate presented as end-entity certificate", ErrKeyUsage)
		}
		need := UsageServer
		if role == RoleClient {
			need = UsageClient
		}
		if !u.Has(need) {
			return fmt.Errorf("%w: leaf usage %s lacks %s", ErrKeyUsage, u, role)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown role %s", ErrKeyUsage, role)
	}
}
