package tlscontext

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/houzhh15/pvasec/certstatus"
	"github.com/houzhh15/pvasec/config"
	"github.com/houzhh15/pvasec/keychain"
	"github.com/houzhh15/pvasec/transport"
)

// Context 一份 keychain 构建出的 TLS 上下文
// 字段只由控制器事件循环写入；mu 供其他 goroutine 的只读访问
type Context struct {
	mu sync.RWMutex

	gen                 uint64
	keychain            *keychain.Keychain
	tlsConfig           *tls.Config
	endpoint            string // 空表示不监控状态
	status              certstatus.CertificateStatus
	hasStatus           bool
	certValid           bool
	statusCheckDisabled bool

	sub certstatus.Handle
}

func newContext(gen uint64, kc *keychain.Keychain, cfg *config.TLSConfig) (*Context, error) {
	auth, err := transport.ParseClientAuth(cfg.ClientCert)
	if err != nil {
		return nil, err
	}
	cert := kc.TLSCertificate()
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("keychain has no certificate")
	}
	return &Context{
		gen:                 gen,
		keychain:            kc,
		tlsConfig:           transport.NewServerTLSConfig(cert, kc.Roots(), auth),
		statusCheckDisabled: cfg.StatusCheckDisabled,
	}, nil
}

// Keychain 上下文使用的 keychain
func (x *Context) Keychain() *keychain.Keychain { return x.keychain }

// TLSConfig 服务端 TLS 配置
func (x *Context) TLSConfig() *tls.Config { return x.tlsConfig }

// Endpoint 状态 PV；无状态扩展或关闭检查时为空
func (x *Context) Endpoint() string { return x.endpoint }

// Status 最近一次应用的状态
func (x *Context) Status() (certstatus.CertificateStatus, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.status, x.hasStatus
}

// CertValid 证书当前是否被认为有效
func (x *Context) CertValid() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.certValid
}

// StatusCheckDisabled 是否跳过状态检查
func (x *Context) StatusCheckDisabled() bool { return x.statusCheckDisabled }

func (x *Context) setStatus(st certstatus.CertificateStatus) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.status = st
	x.hasStatus = true
}

func (x *Context) setCertValid(valid bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.certValid = valid
}

// good 缓存状态在 now 时刻是否为有效 GOOD
func (x *Context) good(now time.Time) bool {
	st, ok := x.Status()
	return ok && st.IsGood(now)
}

// unsubscribe 可重复调用
func (x *Context) unsubscribe() {
	if x.sub != nil {
		x.sub.Unsubscribe()
		x.sub = nil
	}
}
