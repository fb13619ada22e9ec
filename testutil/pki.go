// Package testutil builds throwaway PKI material for package tests.
package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

// CA 测试用证书颁发机构
type CA struct {
	Cert   *x509.Certificate
	Key    *ecdsa.PrivateKey
	parent *CA
}

// LeafOptions 终端证书参数
type LeafOptions struct {
	CommonName string
	Usage      []x509.ExtKeyUsage // nil 时为 ServerAuth
	NoEKU      bool
	IsCA       bool
	Serial     *big.Int
	NotBefore  time.Time
	NotAfter   time.Time
	Extensions []pkix.Extension
}

// NewKey 生成 ECDSA P-256 私钥
func NewKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// RandomSerial 随机序列号
func RandomSerial(t testing.TB) *big.Int {
	t.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	require.NoError(t, err)
	return serial.Add(serial, big.NewInt(1))
}

func subjectKeyID(pub crypto.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil
	}
	h := sha1.Sum(der)
	return h[:]
}

// NewCA 创建自签名根 CA
func NewCA(t testing.TB, cn string) *CA {
	t.Helper()
	key := NewKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          RandomSerial(t),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"pvasec test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &CA{Cert: cert, Key: key}
}

// NewIntermediate 由当前 CA 签发中间 CA
func (ca *CA) NewIntermediate(t testing.TB, cn string) *CA {
	t.Helper()
	key := NewKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          RandomSerial(t),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(5 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, &key.PublicKey, ca.Key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &CA{Cert: cert, Key: key, parent: ca}
}

// Chain 从本 CA 到根 CA 的证书链
func (ca *CA) Chain() []*x509.Certificate {
	var chain []*x509.Certificate
	for c := ca; c != nil; c = c.parent {
		chain = append(chain, c.Cert)
	}
	return chain
}

// Issue 签发终端证书
func (ca *CA) Issue(t testing.TB, opts LeafOptions) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key := NewKey(t)
	cert := ca.Sign(t, &key.PublicKey, opts)
	return cert, key
}

// Sign 为给定公钥签发证书
func (ca *CA) Sign(t testing.TB, pub crypto.PublicKey, opts LeafOptions) *x509.Certificate {
	t.Helper()
	tmpl := leafTemplate(t, opts)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, pub, ca.Key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// SelfSigned 自签名终端证书（无 CA 链）
func SelfSigned(t testing.TB, opts LeafOptions) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key := NewKey(t)
	tmpl := leafTemplate(t, opts)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func leafTemplate(t testing.TB, opts LeafOptions) *x509.Certificate {
	if opts.CommonName == "" {
		opts.CommonName = "ioc.test"
	}
	if opts.Serial == nil {
		opts.Serial = RandomSerial(t)
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().Add(24 * time.Hour)
	}
	usage := opts.Usage
	if usage == nil && !opts.NoEKU {
		usage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	}
	if opts.NoEKU {
		usage = nil
	}

	tmpl := &x509.Certificate{
		SerialNumber:    opts.Serial,
		Subject:         pkix.Name{CommonName: opts.CommonName, Organization: []string{"pvasec test"}},
		DNSNames:        []string{opts.CommonName, "localhost"},
		NotBefore:       opts.NotBefore,
		NotAfter:        opts.NotAfter,
		KeyUsage:        x509.KeyUsageDigitalSignature,
		ExtKeyUsage:     usage,
		ExtraExtensions: opts.Extensions,
	}
	if opts.IsCA {
		tmpl.BasicConstraintsValid = true
		tmpl.IsCA = true
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}
	return tmpl
}

// EncodeKeychain 编码 PKCS#12 数据
func EncodeKeychain(t testing.TB, password string, key crypto.PrivateKey, leaf *x509.Certificate, chain []*x509.Certificate) []byte {
	t.Helper()
	data, err := pkcs12.Modern.Encode(key, leaf, chain, password)
	require.NoError(t, err)
	return data
}

// WriteKeychain 写入 PKCS#12 文件
func WriteKeychain(t testing.TB, path, password string, key crypto.PrivateKey, leaf *x509.Certificate, chain []*x509.Certificate) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, EncodeKeychain(t, password, key, leaf, chain), 0600))
}
