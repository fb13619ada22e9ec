// Package keychain loads and writes PKCS#12 keychains: one private key, the
// leaf certificate and its CA chain (root last).
package keychain

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/houzhh15/pvasec/protocol"
	"software.sslmate.com/src/go-pkcs12"
)

var (
	// ErrFileNotFound 密钥链文件无法打开
	ErrFileNotFound = errors.New("keychain file not found")
	// ErrParse 文件格式错误、口令错误或私钥与证书不匹配
	ErrParse = errors.New("keychain parse error")
	// ErrKeyUsage 叶子证书用途与角色不符，或以 CA 证书充当终端证书
	ErrKeyUsage = errors.New("keychain key usage error")
	// ErrNotYetValid 叶子证书尚未到 NotBefore
	ErrNotYetValid = errors.New("certificate not yet valid")
	// ErrExpired 叶子证书已过 NotAfter
	ErrExpired = errors.New("certificate expired")
)

// Role 密钥链的使用角色
type Role int

const (
	RoleServer Role = iota
	RoleClient
	RoleCA
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	case RoleCA:
		return "ca"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Keychain 私钥 + 叶子证书 + CA 链
type Keychain struct {
	key   crypto.Signer
	leaf  *x509.Certificate
	chain []*x509.Certificate // root last
	roots *x509.CertPool
	role  Role
}

// Load 从文件加载密钥链
func Load(path, password string, role Role) (*Keychain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileNotFound, path, err)
	}
	kc, err := Decode(data, password, role)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return kc, nil
}

// Decode 解析 PKCS#12 数据
func Decode(data []byte, password string, role Role) (*Keychain, error) {
	key, leaf, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return New(key, leaf, caCerts, role)
}

// New 校验并组装密钥链，chain 可为任意顺序
func New(key crypto.PrivateKey, leaf *x509.Certificate, chain []*x509.Certificate, role Role) (*Keychain, error) {
	if leaf == nil {
		return nil, fmt.Errorf("%w: no leaf certificate", ErrParse)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported private key type %T", ErrParse, key)
	}
	if !publicKeyMatches(leaf.PublicKey, signer.Public()) {
		return nil, fmt.Errorf("%w: private key does not match leaf certificate", ErrParse)
	}
	if err := checkUsage(leaf, role); err != nil {
		return nil, err
	}

	ordered := orderChain(leaf, chain)
	roots := x509.NewCertPool()
	for _, c := range ordered {
		if isSelfSigned(c) {
			roots.AddCert(c)
		}
	}
	if role == RoleCA && isSelfSigned(leaf) {
		roots.AddCert(leaf)
	}

	return &Keychain{
		key:   signer,
		leaf:  leaf,
		chain: ordered,
		roots: roots,
		role:  role,
	}, nil
}

// Encode 编码为 PKCS#12（Modern 算法）
func (k *Keychain) Encode(password string) ([]byte, error) {
	data, err := pkcs12.Modern.Encode(k.key, k.leaf, k.chain, password)
	if err != nil {
		return nil, fmt.Errorf("encode keychain: %w", err)
	}
	return data, nil
}

// Save 原子写入文件（临时文件 + rename，权限 0600）
func (k *Keychain) Save(path, password string) error {
	data, err := k.Encode(password)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create keychain dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".keychain-*")
	if err != nil {
		return fmt.Errorf("create temp keychain: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp keychain: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp keychain: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp keychain: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp keychain: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename keychain: %w", err)
	}
	return nil
}

// Leaf 叶子证书
func (k *Keychain) Leaf() *x509.Certificate { return k.leaf }

// Key 私钥
func (k *Keychain) Key() crypto.Signer { return k.key }

// Chain CA 链（根证书在最后）
func (k *Keychain) Chain() []*x509.Certificate { return k.chain }

// Roots 链中自签名证书组成的信任池
func (k *Keychain) Roots() *x509.CertPool { return k.roots }

// Role 角色
func (k *Keychain) Role() Role { return k.role }

// Serial 叶子证书序列号
func (k *Keychain) Serial() string {
	return protocol.SerialString(k.leaf.SerialNumber)
}

// Issuer 返回签发叶子证书的链上证书；自签名叶子返回自身，找不到返回 nil
func (k *Keychain) Issuer() *x509.Certificate {
	for _, c := range k.chain {
		if k.leaf.CheckSignatureFrom(c) == nil {
			return c
		}
	}
	if isSelfSigned(k.leaf) {
		return k.leaf
	}
	return nil
}

// TLSCertificate 生成 tls.Certificate（叶子 + 非根中间证书）
func (k *Keychain) TLSCertificate() tls.Certificate {
	certs := [][]byte{k.leaf.Raw}
	for _, c := range k.chain {
		if !isSelfSigned(c) {
			certs = append(certs, c.Raw)
		}
	}
	return tls.Certificate{
		Certificate: certs,
		PrivateKey:  k.key,
		Leaf:        k.leaf,
	}
}

// Fingerprint 叶子证书指纹（SHA256）
func (k *Keychain) Fingerprint() string {
	hash := sha256.Sum256(k.leaf.Raw)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// ValidateExpiry 验证证书有效期
func (k *Keychain) ValidateExpiry(now time.Time) error {
	if now.Before(k.leaf.NotBefore) {
		return fmt.Errorf("%w (valid from %s)", ErrNotYetValid, k.leaf.NotBefore)
	}
	if now.After(k.leaf.NotAfter) {
		return fmt.Errorf("%w (expired at %s)", ErrExpired, k.leaf.NotAfter)
	}
	return nil
}

func publicKeyMatches(certKey, key crypto.PublicKey) bool {
	eq, ok := certKey.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(key)
}

func isSelfSigned(c *x509.Certificate) bool {
	if !bytes.Equal(c.RawSubject, c.RawIssuer) {
		return false
	}
	return c.CheckSignature(c.SignatureAlgorithm, c.RawTBSCertificate, c.Signature) == nil
}

// orderChain 从叶子开始沿签发关系排序，无法连上的证书追加在后，自签名证书放到最后
func orderChain(leaf *x509.Certificate, certs []*x509.Certificate) []*x509.Certificate {
	remaining := make([]*x509.Certificate, 0, len(certs))
	for _, c := range certs {
		if c != nil && !c.Equal(leaf) {
			remaining = append(remaining, c)
		}
	}

	ordered := make([]*x509.Certificate, 0, len(remaining))
	cur := leaf
	for len(remaining) > 0 && !(cur != leaf && isSelfSigned(cur)) {
		next := -1
		for i, c := range remaining {
			if cur.CheckSignatureFrom(c) == nil {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		cur = remaining[next]
		ordered = append(ordered, cur)
		remaining = append(remaining[:next], remaining[next+1:]...)
	}

	var roots []*x509.Certificate
	for _, c := range remaining {
		if isSelfSigned(c) {
			roots = append(roots, c)
		} else {
			ordered = append(ordered, c)
		}
	}
	if n := len(ordered); n > 0 && isSelfSigned(ordered[n-1]) && len(roots) > 0 {
		// 链尾已是根，其余孤立根证书插在它之前
		last := ordered[n-1]
		ordered = append(append(ordered[:n-1], roots...), last)
		return ordered
	}
	return append(ordered, roots...)
}
