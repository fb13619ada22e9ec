package tlscontext

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/houzhh15/pvasec/certstatus"
	"github.com/houzhh15/pvasec/config"
	"github.com/houzhh15/pvasec/keychain"
	"github.com/houzhh15/pvasec/logging"
	"github.com/houzhh15/pvasec/protocol"
	"github.com/houzhh15/pvasec/testutil"
	"github.com/stretchr/testify/require"
)

const testPassword = "secret"

// eventLog 记录跨 fake 的调用顺序
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) index(ev string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e == ev {
			return i
		}
	}
	return -1
}

type fakeListener struct {
	mu           sync.Mutex
	log          *eventLog
	enabled      bool
	config       *tls.Config
	enableCalls  int
	disableCalls int
	enableErr    error
}

func (l *fakeListener) EnableTLS(cfg *tls.Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableCalls++
	if l.enableErr != nil {
		return l.enableErr
	}
	l.enabled = true
	l.config = cfg
	return nil
}

func (l *fakeListener) DisableTLS() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disableCalls++
	if l.log != nil {
		l.log.add("disable_tls")
	}
	n := 0
	if l.enabled {
		n = 1
	}
	l.enabled = false
	l.config = nil
	return n
}

func (l *fakeListener) state() (enabled bool, cfg *tls.Config, enables, disables int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled, l.config, l.enableCalls, l.disableCalls
}

type fakeSub struct {
	mu           sync.Mutex
	log          *eventLog
	serial       string
	cb           certstatus.Callback
	unsubscribed int
}

func (s *fakeSub) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed++
	if s.log != nil {
		s.log.add("unsubscribe")
	}
}

func (s *fakeSub) unsubscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

// deliver 模拟订阅 goroutine 的回调；回调只投递消息，可直接调用
func (s *fakeSub) deliver(st certstatus.CertificateStatus, err error) {
	s.cb(st, err)
}

type fakeMonitor struct {
	mu           sync.Mutex
	log          *eventLog
	fetch        *certstatus.CertificateStatus
	fetchErr     error
	fetchCalls   int
	subscribeErr error
	subs         []*fakeSub
}

func (m *fakeMonitor) Fetch(ctx context.Context, cert, issuer *x509.Certificate) (certstatus.CertificateStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++
	if m.fetch != nil {
		return *m.fetch, nil
	}
	if m.fetchErr != nil {
		return certstatus.CertificateStatus{}, m.fetchErr
	}
	return certstatus.CertificateStatus{}, certstatus.ErrStatusUnreachable
}

func (m *fakeMonitor) Subscribe(cert, issuer *x509.Certificate, cb certstatus.Callback) (certstatus.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	sub := &fakeSub{log: m.log, serial: protocol.SerialString(cert.SerialNumber), cb: cb}
	m.subs = append(m.subs, sub)
	return sub, nil
}

func (m *fakeMonitor) setFetch(st certstatus.CertificateStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetch = &st
}

func (m *fakeMonitor) fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

func (m *fakeMonitor) subscriptions() []*fakeSub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeSub(nil), m.subs...)
}

func (m *fakeMonitor) last(t *testing.T) *fakeSub {
	t.Helper()
	subs := m.subscriptions()
	require.NotEmpty(t, subs)
	return subs[len(subs)-1]
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) fire() { t.f() }

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// armed 最近一个未停止的定时器
func (c *fakeClock) armed() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.timers) - 1; i >= 0; i-- {
		if !c.timers[i].stopped {
			return c.timers[i]
		}
	}
	return nil
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type provisionerFunc func(ctx context.Context) (*keychain.Keychain, error)

func (f provisionerFunc) Provision(ctx context.Context) (*keychain.Keychain, error) { return f(ctx) }

type fixture struct {
	ca       *testutil.CA
	dir      string
	path     string
	clock    *fakeClock
	log      *eventLog
	listener *fakeListener
	monitor  *fakeMonitor
	audit    *logging.FileAuditLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	audit, err := logging.NewFileAuditLogger(filepath.Join(dir, "audit.log"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	log := &eventLog{}
	return &fixture{
		ca:       testutil.NewCA(t, "Controller Test CA"),
		dir:      dir,
		path:     filepath.Join(dir, "server.p12"),
		clock:    newFakeClock(),
		log:      log,
		listener: &fakeListener{log: log},
		monitor:  &fakeMonitor{log: log},
		audit:    audit,
	}
}

// issue 签发带状态扩展的服务端证书并返回 keychain
func (f *fixture) issue(t *testing.T, withExtension bool) *keychain.Keychain {
	t.Helper()
	return f.issueValid(t, withExtension, time.Time{}, time.Time{})
}

// issueValid 指定有效期签发；零值使用默认有效期
func (f *fixture) issueValid(t *testing.T, withExtension bool, notBefore, notAfter time.Time) *keychain.Keychain {
	t.Helper()
	serial := testutil.RandomSerial(t)
	opts := testutil.LeafOptions{CommonName: "localhost", Serial: serial, NotBefore: notBefore, NotAfter: notAfter}
	if withExtension {
		pv := protocol.StatusPV(protocol.IssuerID(f.ca.Cert), protocol.SerialString(serial))
		ext, err := certstatus.NewStatusExtension(pv)
		require.NoError(t, err)
		opts.Extensions = []pkix.Extension{ext}
	}
	leaf, key := f.ca.Issue(t, opts)
	kc, err := keychain.New(key, leaf, f.ca.Chain(), keychain.RoleServer)
	require.NoError(t, err)
	return kc
}

// writeKeychain 写入 keychain 文件并返回序列号
func (f *fixture) writeKeychain(t *testing.T, path string, withExtension bool) string {
	t.Helper()
	kc := f.issue(t, withExtension)
	require.NoError(t, kc.Save(path, testPassword))
	return kc.Serial()
}

// writeKeychainValid 写入指定有效期的 keychain 文件并返回序列号
func (f *fixture) writeKeychainValid(t *testing.T, path string, withExtension bool, notBefore, notAfter time.Time) string {
	t.Helper()
	kc := f.issueValid(t, withExtension, notBefore, notAfter)
	require.NoError(t, kc.Save(path, testPassword))
	return kc.Serial()
}

func (f *fixture) config() *config.TLSConfig {
	return &config.TLSConfig{
		KeychainFile:      f.path,
		KeychainPassword:  testPassword,
		ClientCert:        config.ClientCertOptional,
		PollInterval:      time.Hour,
		InitialPollDelay:  time.Hour,
		StatusTimeout:     time.Second,
		ProvisionTimeout:  time.Second,
		NoStatusExtension: config.NoExtensionTrust,
	}
}

func (f *fixture) newController(t *testing.T, cfg *config.TLSConfig) *Controller {
	t.Helper()
	c, err := New(&Options{
		Name:     "ioc-test",
		Config:   cfg,
		Listener: f.listener,
		Monitor:  f.monitor,
		Audit:    f.audit,
		Clock:    f.clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop() })
	return c
}

func (f *fixture) status(serial string, st certstatus.Status, validFor time.Duration) certstatus.CertificateStatus {
	now := f.clock.Now()
	return certstatus.CertificateStatus{
		Serial:     serial,
		Status:     st,
		ThisUpdate: now,
		ValidUntil: now.Add(validFor),
	}
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 5*time.Second, 5*time.Millisecond,
		"state %s, want %s", c.State(), want)
}
