package cms

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/houzhh15/pvasec/config"
	"github.com/houzhh15/pvasec/keychain"
	"github.com/houzhh15/pvasec/logging"
	"github.com/houzhh15/pvasec/protocol"
)

// Provisioner 通过 CERT:CREATE 为服务器申请新的 keychain
type Provisioner struct {
	client *Client
	name   string
	org    string
	logger logging.Logger
}

// NewProvisioner 创建证书申请器
func NewProvisioner(client *Client, cfg *config.TLSConfig, log logging.Logger) *Provisioner {
	if log == nil {
		log = logging.Nop()
	}
	return &Provisioner{client: client, name: cfg.ProvisionName, org: cfg.ProvisionOrg, logger: log}
}

// Provision 生成 P-256 密钥并申请服务器证书
func (p *Provisioner) Provision(ctx context.Context) (*keychain.Keychain, error) {
	if p.name == "" {
		return nil, errors.New("provision name is required")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	pub, err := EncodePublicKey(key.Public())
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}

	resp, err := p.client.CreateCertificate(ctx, &protocol.CertCreateRequest{
		Name:         p.name,
		Organization: p.org,
		Usage:        []string{protocol.UsageServer},
		PublicKey:    pub,
	})
	if err != nil {
		return nil, err
	}

	certs, err := parseCertsPEM(resp.CertPEM)
	if err == nil && len(certs) == 0 {
		err = errors.New("no certificate in response")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: issued certificate: %v", keychain.ErrParse, err)
	}
	chain, err := parseCertsPEM(resp.ChainPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: issued chain: %v", keychain.ErrParse, err)
	}

	kc, err := keychain.New(key, certs[0], chain, keychain.RoleServer)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Certificate provisioned", "serial", resp.Serial, "status_pv", resp.StatusPV, "not_after", resp.NotAfter)
	return kc, nil
}

func parseCertsPEM(data string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := []byte(data)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return certs, nil
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
}
