package cms

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/houzhh15/pvasec/certstatus"
	"github.com/houzhh15/pvasec/config"
	"github.com/houzhh15/pvasec/keychain"
	"github.com/houzhh15/pvasec/logging"
	"github.com/houzhh15/pvasec/protocol"
)

// caValidity 自签名 CA 有效期
const caValidity = 10 * 365 * 24 * time.Hour

// CA 签发证书与状态响应的证书颁发机构
type CA struct {
	keychain *keychain.Keychain
	issuerID string
}

// NewCA 包装一个 CA keychain
func NewCA(kc *keychain.Keychain) (*CA, error) {
	if kc == nil {
		return nil, errors.New("ca keychain is required")
	}
	if !kc.Leaf().IsCA {
		return nil, fmt.Errorf("%w: certificate is not a CA", keychain.ErrKeyUsage)
	}
	return &CA{keychain: kc, issuerID: protocol.IssuerID(kc.Leaf())}, nil
}

// LoadOrCreateCA 加载 CA keychain；文件不存在时创建自签名 CA 并保存
func LoadOrCreateCA(cfg *config.CMSConfig, log logging.Logger) (*CA, error) {
	if log == nil {
		log = logging.Nop()
	}

	kc, err := keychain.Load(cfg.CAKeychainFile, cfg.CAKeychainPwd, keychain.RoleCA)
	switch {
	case err == nil:
		log.Info("CA keychain loaded", "file", cfg.CAKeychainFile, "subject", kc.Leaf().Subject.String())
		return NewCA(kc)
	case !errors.Is(err, keychain.ErrFileNotFound):
		return nil, fmt.Errorf("load ca keychain: %w", err)
	}

	kc, err = NewSelfSignedCA(cfg.CAName, cfg.CAOrganization, time.Now())
	if err != nil {
		return nil, err
	}
	if err := kc.Save(cfg.CAKeychainFile, cfg.CAKeychainPwd); err != nil {
		return nil, fmt.Errorf("save ca keychain: %w", err)
	}
	log.Info("CA keychain created", "file", cfg.CAKeychainFile, "subject", kc.Leaf().Subject.String(), "fingerprint", kc.Fingerprint())
	return NewCA(kc)
}

// NewSelfSignedCA 生成 ECDSA P-256 自签名 CA
func NewSelfSignedCA(name, org string, now time.Time) (*keychain.Keychain, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ca key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	skid, err := subjectKeyID(key.Public())
	if err != nil {
		return nil, err
	}

	subject := pkix.Name{CommonName: name}
	if org != "" {
		subject.Organization = []string{org}
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          skid,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("create ca certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return keychain.New(key, cert, nil, keychain.RoleCA)
}

// Certificate CA 证书
func (ca *CA) Certificate() *x509.Certificate { return ca.keychain.Leaf() }

// Signer CA 私钥
func (ca *CA) Signer() crypto.Signer { return ca.keychain.Key() }

// IssuerID 状态 PV 中的 CA 标识
func (ca *CA) IssuerID() string { return ca.issuerID }

// Keychain CA keychain
func (ca *CA) Keychain() *keychain.Keychain { return ca.keychain }

// ChainPEM 签发证书需要附带的链（CA 证书及其上级）
func (ca *CA) ChainPEM() string {
	var b strings.Builder
	pem.Encode(&b, &pem.Block{Type: "CERTIFICATE", Bytes: ca.keychain.Leaf().Raw})
	for _, c := range ca.keychain.Chain() {
		pem.Encode(&b, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	return b.String()
}

// Issue 按请求签发证书
func (ca *CA) Issue(req *protocol.CertCreateRequest, now time.Time, defaultValidity time.Duration) (*x509.Certificate, error) {
	if req == nil || req.Name == "" {
		return nil, protocol.NewError(protocol.ErrCodeInvalidRequest, "name is required")
	}
	pub, err := parsePublicKey(req.PublicKey)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrCodeInvalidKey, err)
	}
	usage, err := extKeyUsage(req.Usage)
	if err != nil {
		return nil, err
	}

	validity := req.Validity
	if validity <= 0 || validity > defaultValidity {
		validity = defaultValidity
	}
	notAfter := now.Add(validity)
	if caCert := ca.Certificate(); notAfter.After(caCert.NotAfter) {
		notAfter = caCert.NotAfter
	}

	serial, err := newSerial()
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrCodeInternal, err)
	}

	subject := pkix.Name{CommonName: req.Name}
	if req.Organization != "" {
		subject.Organization = []string{req.Organization}
	}
	if req.OrganizationUnit != "" {
		subject.OrganizationalUnit = []string{req.OrganizationUnit}
	}
	if req.Country != "" {
		subject.Country = []string{req.Country}
	}

	keyUsage := x509.KeyUsageDigitalSignature
	if _, ok := pub.(*rsa.PublicKey); ok {
		keyUsage |= x509.KeyUsageKeyEncipherment
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     notAfter,
		KeyUsage:     keyUsage,
		ExtKeyUsage:  usage,
		DNSNames:     []string{req.Name},
	}
	if !req.NoStatus {
		pv := protocol.StatusPV(ca.issuerID, protocol.SerialString(serial))
		ext, err := certstatus.NewStatusExtension(pv)
		if err != nil {
			return nil, protocol.WrapError(protocol.ErrCodeInternal, err)
		}
		tmpl.ExtraExtensions = []pkix.Extension{ext}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Certificate(), pub, ca.Signer())
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrCodeSigningFailed, err)
	}
	return x509.ParseCertificate(der)
}

func parsePublicKey(data string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("public key is not PEM encoded")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	switch pub.(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}
}

func extKeyUsage(usages []string) ([]x509.ExtKeyUsage, error) {
	if len(usages) == 0 {
		usages = []string{protocol.UsageServer}
	}
	var out []x509.ExtKeyUsage
	for _, u := range usages {
		switch u {
		case protocol.UsageServer:
			out = append(out, x509.ExtKeyUsageServerAuth)
		case protocol.UsageClient:
			out = append(out, x509.ExtKeyUsageClientAuth)
		default:
			return nil, protocol.NewError(protocol.ErrCodeInvalidUsage, "unsupported usage: "+u)
		}
	}
	return out, nil
}

// EncodePublicKey PEM 编码公钥（CERT:CREATE 请求格式）
func EncodePublicKey(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial.Add(serial, big.NewInt(1)), nil
}

func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	h := sha1.Sum(der)
	return h[:], nil
}

func encodeCertPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}
