// Package tlscontext owns the server's live TLS context. A single event loop
// builds contexts from keychains, applies certificate status updates, runs
// the validity timer and reacts to keychain file changes; everything else
// only posts messages to it.
package tlscontext

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/houzhh15/pvasec/certstatus"
	"github.com/houzhh15/pvasec/config"
	"github.com/houzhh15/pvasec/filewatch"
	"github.com/houzhh15/pvasec/keychain"
	"github.com/houzhh15/pvasec/logging"
)

var (
	// ErrNoCertificate 没有可用的 keychain 且无法自动申请
	ErrNoCertificate = errors.New("no certificate available")
	// ErrStopped 控制器已停止
	ErrStopped = errors.New("tls controller stopped")
	// ErrNotStarted 控制器尚未启动
	ErrNotStarted = errors.New("tls controller not started")
)

// Listener 控制器驱动的 TLS 监听器集合（transport.Reactor）
type Listener interface {
	EnableTLS(config *tls.Config) error
	DisableTLS() int
}

// Monitor 证书状态来源（certstatus.Manager）
type Monitor interface {
	Fetch(ctx context.Context, cert, issuer *x509.Certificate) (certstatus.CertificateStatus, error)
	Subscribe(cert, issuer *x509.Certificate, cb certstatus.Callback) (certstatus.Handle, error)
}

// Provisioner 向 CMS 申请新 keychain
type Provisioner interface {
	Provision(ctx context.Context) (*keychain.Keychain, error)
}

// Options 控制器参数
type Options struct {
	Name        string // 审计日志中的服务器名
	Config      *config.TLSConfig
	Listener    Listener
	Monitor     Monitor
	Provisioner Provisioner // 可选
	Logger      logging.Logger
	Audit       logging.AuditLogger // 可选
	Clock       Clock
}

// Info 当前 TLS 状态快照
type Info struct {
	State               string    `json:"state"`
	Serial              string    `json:"serial,omitempty"`
	Subject             string    `json:"subject,omitempty"`
	Fingerprint         string    `json:"fingerprint,omitempty"`
	Status              string    `json:"status,omitempty"`
	ValidUntil          time.Time `json:"valid_until,omitempty"`
	StatusPV            string    `json:"status_pv,omitempty"`
	StatusCheckDisabled bool      `json:"status_check_disabled"`
}

// Controller TLS 上下文控制器
type Controller struct {
	name        string
	listener    Listener
	monitor     Monitor
	provisioner Provisioner
	logger      logging.Logger
	audit       logging.AuditLogger
	clock       Clock
	mbox        *mailbox
	exited      chan struct{}

	// 只由事件循环访问（启动阶段由 Start 访问）
	cfg       config.TLSConfig
	gen       uint64
	pending   *Context
	tlsOn     bool
	validity  Timer
	validFrom Timer // 待定上下文等待 NotBefore
	watcher   *filewatch.Watcher

	mu      sync.RWMutex
	state   State
	active  *Context
	started bool
}

// New 创建控制器
func New(opts *Options) (*Controller, error) {
	if opts == nil || opts.Config == nil {
		return nil, errors.New("tlscontext: config is required")
	}
	if opts.Listener == nil {
		return nil, errors.New("tlscontext: listener is required")
	}
	if opts.Monitor == nil && !opts.Config.StatusCheckDisabled {
		return nil, errors.New("tlscontext: status monitor is required unless status checking is disabled")
	}

	c := &Controller{
		name:        opts.Name,
		listener:    opts.Listener,
		monitor:     opts.Monitor,
		provisioner: opts.Provisioner,
		logger:      logging.With(opts.Logger, "component", "tlscontext"),
		audit:       opts.Audit,
		clock:       opts.Clock,
		mbox:        newMailbox(),
		exited:      make(chan struct{}),
		cfg:         *opts.Config,
		state:       StateNoCert,
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	tlsState.Set(float64(StateNoCert))
	return c, nil
}

// Start 同步尝试启用 TLS，然后启动文件监视和事件循环
// 只有 stop_if_no_cert 且启动时没有证书才返回错误
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("tlscontext: already started")
	}
	c.started = true
	c.mu.Unlock()

	c.logger.Info("Starting TLS controller", "config", c.cfg.String())

	if err := c.enable(ctx, nil, triggerStartup); err != nil {
		if errors.Is(err, ErrNoCertificate) && c.cfg.StopIfNoCert {
			c.setState(StatePermanentlyDisabled, triggerStartup, "")
			c.mbox.close()
			close(c.exited)
			return fmt.Errorf("stop_if_no_cert: %w", err)
		}
		c.logger.Warn("TLS not enabled at startup, serving plain transport only", "error", err)
	}

	if err := c.startWatcher(); err != nil {
		c.logger.Error("Failed to start keychain watcher", "file", c.cfg.KeychainFile, "error", err)
	}

	go c.run()
	return nil
}

// Enable 请求启用 TLS；已为 VALID 时无操作
func (c *Controller) Enable(ctx context.Context) error {
	return c.request(ctx, func(done chan error) message {
		return enableRequested{done: done}
	})
}

// Reconfigure 使用新配置重建上下文；VALID 时旧上下文继续服务直到新上下文确认 GOOD
func (c *Controller) Reconfigure(ctx context.Context, cfg *config.TLSConfig) error {
	if cfg == nil {
		return errors.New("tlscontext: config is required")
	}
	cp := *cfg
	return c.request(ctx, func(done chan error) message {
		return enableRequested{config: &cp, done: done}
	})
}

// Disable 关闭 TLS；可重复调用
func (c *Controller) Disable(ctx context.Context) error {
	return c.request(ctx, func(done chan error) message {
		return disableRequested{done: done}
	})
}

// Stop 按顺序退订、停止文件监视、取消定时器、关闭 TLS 连接，然后退出事件循环
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.started = true
		c.mu.Unlock()
		c.mbox.close()
		close(c.exited)
		return nil
	}
	c.mu.Unlock()

	done := make(chan error, 1)
	if c.mbox.post(stopRequested{done: done}) {
		select {
		case <-done:
		case <-c.exited:
		}
	}
	<-c.exited
	return nil
}

// State 当前状态
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Current 当前服务中的上下文；未启用时为 nil
func (c *Controller) Current() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Info 状态快照
func (c *Controller) Info() Info {
	c.mu.RLock()
	state, x := c.state, c.active
	c.mu.RUnlock()

	info := Info{State: state.String()}
	if x == nil {
		return info
	}
	kc := x.Keychain()
	info.StatusCheckDisabled = x.StatusCheckDisabled()
	info.Serial = kc.Serial()
	info.Subject = kc.Leaf().Subject.String()
	info.Fingerprint = kc.Fingerprint()
	info.StatusPV = x.Endpoint()
	if st, ok := x.Status(); ok {
		info.Status = st.Status.String()
		info.ValidUntil = st.ValidUntil
	}
	return info
}

func (c *Controller) request(ctx context.Context, build func(chan error) message) error {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	done := make(chan error, 1)
	if !c.mbox.post(build(done)) {
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-c.exited:
		select {
		case err := <-done:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run 事件循环：所有状态修改都在这里串行执行
func (c *Controller) run() {
	defer close(c.exited)

	for range c.mbox.ready() {
		msgs := c.mbox.drain()
		for i, msg := range msgs {
			if !c.handle(msg) {
				continue
			}
			rest := append(msgs[i+1:], c.mbox.close()...)
			for _, m := range rest {
				if done := replyTo(m); done != nil {
					done <- ErrStopped
				}
			}
			return
		}
	}
}

// handle 处理一条消息；返回 true 表示事件循环应退出
func (c *Controller) handle(msg message) bool {
	switch m := msg.(type) {
	case enableRequested:
		trigger := triggerEnable
		if m.config != nil {
			trigger = triggerReconfigure
		}
		m.done <- c.enable(context.Background(), m.config, trigger)

	case disableRequested:
		c.disable(triggerDisable)
		m.done <- nil

	case statusUpdated:
		c.handleStatus(m)

	case validityExpired:
		c.handleExpiry(m)

	case notBeforeReached:
		c.handleNotBefore(m)

	case fileDisable:
		c.logger.Info("Keychain file changed", "file", c.cfg.KeychainFile)
		c.security(logging.EventKeychainChanged, logging.SeverityMedium, "", "keychain file changed: "+c.cfg.KeychainFile)
		c.disable(triggerFile)

	case fileEnable:
		if err := c.enable(context.Background(), nil, triggerFile); err != nil {
			c.logger.Warn("TLS not re-enabled after keychain change", "file", c.cfg.KeychainFile, "error", err)
		}

	case stopRequested:
		c.stop()
		m.done <- nil
		return true

	default:
		c.logger.Warn("Unknown message", "type", fmt.Sprintf("%T", msg))
	}
	return false
}

// enable 构建并安装新上下文；失败时保持禁用（或保持旧上下文服务）
func (c *Controller) enable(ctx context.Context, newCfg *config.TLSConfig, trigger string) error {
	if newCfg == nil && c.State() == StateValid {
		return nil
	}
	if newCfg != nil {
		pathChanged := newCfg.KeychainFile != c.cfg.KeychainFile
		c.cfg = *newCfg
		if pathChanged {
			c.restartWatcher()
		}
	}

	kc, err := c.obtainKeychain(ctx, trigger)
	if err != nil {
		return err
	}

	c.gen++
	x, err := newContext(c.gen, kc, &c.cfg)
	if err != nil {
		c.logger.Error("Failed to build TLS context", "serial", kc.Serial(), "error", err)
		c.enableFailed(StateInvalid, trigger)
		return err
	}
	return c.install(ctx, x, trigger)
}

func (c *Controller) obtainKeychain(ctx context.Context, trigger string) (*keychain.Keychain, error) {
	var err error
	if c.cfg.KeychainFile == "" {
		err = keychain.ErrFileNotFound
	} else {
		var kc *keychain.Keychain
		kc, err = keychain.Load(c.cfg.KeychainFile, c.cfg.KeychainPassword, keychain.RoleServer)
		if err == nil {
			return kc, nil
		}
	}

	if !errors.Is(err, keychain.ErrFileNotFound) {
		c.logger.Error("Failed to load keychain", "file", c.cfg.KeychainFile, "error", err)
		c.security(logging.EventCertInvalid, logging.SeverityHigh, "", err.Error())
		c.enableFailed(StateInvalid, trigger)
		return nil, err
	}

	if !c.cfg.AutoProvision || c.provisioner == nil {
		c.logger.Warn("No keychain available", "file", c.cfg.KeychainFile)
		c.security(logging.EventNoCertificate, logging.SeverityMedium, "", "no keychain at "+c.cfg.KeychainFile)
		c.enableFailed(StateNoCert, trigger)
		return nil, fmt.Errorf("%w: %v", ErrNoCertificate, err)
	}
	return c.provision(ctx, trigger)
}

func (c *Controller) provision(ctx context.Context, trigger string) (*keychain.Keychain, error) {
	if c.Current() == nil {
		c.setState(StateProvisioning, trigger, "")
	}

	timeout := c.cfg.ProvisionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	kc, err := c.provisioner.Provision(pctx)
	if err != nil {
		c.logger.Error("Certificate provisioning failed", "error", err)
		c.security(logging.EventNoCertificate, logging.SeverityHigh, "", "provisioning failed: "+err.Error())
		c.enableFailed(StateNoCert, trigger)
		return nil, fmt.Errorf("%w: provisioning failed: %v", ErrNoCertificate, err)
	}

	if c.cfg.KeychainFile != "" {
		if err := kc.Save(c.cfg.KeychainFile, c.cfg.KeychainPassword); err != nil {
			c.logger.Warn("Failed to save provisioned keychain", "file", c.cfg.KeychainFile, "error", err)
		} else if c.watcher != nil {
			c.watcher.Rebaseline()
		}
	}
	c.logger.Info("Certificate provisioned", "serial", kc.Serial(), "fingerprint", kc.Fingerprint())
	return kc, nil
}

// install 决定新上下文是立即启用还是等待状态
func (c *Controller) install(ctx context.Context, x *Context, trigger string) error {
	c.dropPending()

	kc := x.Keychain()
	leaf := kc.Leaf()
	serial := kc.Serial()
	now := c.clock.Now()

	// 尚未生效的证书不算失败，等待 NotBefore
	if err := kc.ValidateExpiry(now); errors.Is(err, keychain.ErrExpired) {
		c.logger.Error("Keychain certificate not usable", "serial", serial, "error", err)
		c.security(logging.EventCertExpired, logging.SeverityHigh, serial, err.Error())
		c.enableFailed(StateInvalid, trigger)
		return err
	}

	if c.cfg.StatusCheckDisabled {
		c.logger.Info("Status checking disabled, trusting certificate", "serial", serial)
		return c.trust(x, trigger)
	}

	endpoint, err := certstatus.StatusEndpoint(leaf)
	switch {
	case errors.Is(err, certstatus.ErrNoStatusExtension):
		if c.cfg.NoStatusExtension == config.NoExtensionReject {
			c.logger.Warn("Certificate has no status extension, rejected by policy", "serial", serial)
			c.security(logging.EventCertInvalid, logging.SeverityHigh, serial, "no status extension")
			c.enableFailed(StateInvalid, trigger)
			return err
		}
		c.logger.Info("Certificate has no status extension, trusted until expiry", "serial", serial, "not_after", leaf.NotAfter)
		return c.trust(x, trigger)
	case err != nil:
		c.logger.Error("Invalid status extension", "serial", serial, "error", err)
		c.enableFailed(StateInvalid, trigger)
		return err
	}
	x.endpoint = endpoint

	issuer := kc.Issuer()
	if issuer == nil {
		err := fmt.Errorf("issuer of %s not in keychain chain", serial)
		c.logger.Error("Cannot verify certificate status", "serial", serial, "error", err)
		c.enableFailed(StateInvalid, trigger)
		return err
	}

	if c.monitor == nil {
		c.logger.Error("Status checking enabled without a status monitor", "serial", serial)
		c.enableFailed(StateInvalid, trigger)
		return errors.New("tlscontext: no status monitor")
	}

	sub, err := c.monitor.Subscribe(leaf, issuer, c.statusCallback(x.gen))
	if err != nil {
		c.logger.Error("Failed to subscribe to certificate status", "pv", endpoint, "error", err)
		c.enableFailed(StateInvalid, trigger)
		return fmt.Errorf("subscribe to %s: %w", endpoint, err)
	}
	x.sub = sub
	c.pending = x

	if c.Current() == nil {
		c.setState(StateAwaitingStatus, trigger, serial)
	} else {
		c.logger.Info("New TLS context awaiting status, current context keeps serving", "serial", serial)
	}
	if now.Before(leaf.NotBefore) {
		c.armNotBefore(x)
	}
	return c.fetchStatus(ctx, x)
}

// fetchStatus 一次性查询待定上下文的状态；失败时等待订阅推送
func (c *Controller) fetchStatus(ctx context.Context, x *Context) error {
	kc := x.Keychain()
	timeout := c.cfg.StatusTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	st, err := c.monitor.Fetch(fctx, kc.Leaf(), kc.Issuer())
	cancel()
	if err != nil {
		c.logger.Warn("Status fetch failed, waiting for subscription", "pv", x.Endpoint(), "error", err)
		return nil
	}
	return c.applyStatus(x, st)
}

// trust 不检查状态的证书：直到过期都视为 GOOD，生效前先等待
func (c *Controller) trust(x *Context, trigger string) error {
	leaf := x.Keychain().Leaf()
	now := c.clock.Now()
	x.setStatus(certstatus.PermanentlyGood(leaf, now))
	if !now.Before(leaf.NotBefore) {
		return c.activate(x, trigger)
	}

	c.pending = x
	if c.Current() == nil {
		c.setState(StateAwaitingStatus, trigger, x.Keychain().Serial())
	}
	c.armNotBefore(x)
	return nil
}

func (c *Controller) armNotBefore(x *Context) {
	c.cancelNotBefore()
	leaf := x.Keychain().Leaf()
	d := leaf.NotBefore.Sub(c.clock.Now())
	if d < 0 {
		d = 0
	}
	gen := x.gen
	c.validFrom = c.clock.AfterFunc(d, func() {
		c.mbox.post(notBeforeReached{gen: gen})
	})
	c.logger.Info("Certificate not yet valid, waiting", "serial", x.Keychain().Serial(), "not_before", leaf.NotBefore)
}

func (c *Controller) cancelNotBefore() {
	if c.validFrom != nil {
		c.validFrom.Stop()
		c.validFrom = nil
	}
}

// handleNotBefore 待定上下文的证书生效：信任型直接启用，否则重新查询状态
func (c *Controller) handleNotBefore(m notBeforeReached) {
	x := c.pending
	if x == nil || x.gen != m.gen {
		return
	}
	c.validFrom = nil

	leaf := x.Keychain().Leaf()
	now := c.clock.Now()
	if now.Before(leaf.NotBefore) {
		c.armNotBefore(x)
		return
	}

	if x.Endpoint() == "" {
		x.setStatus(certstatus.PermanentlyGood(leaf, now))
		if err := c.activate(x, triggerStatus); err != nil {
			c.logger.Warn("TLS not enabled after certificate became valid", "serial", x.Keychain().Serial(), "error", err)
		}
		return
	}
	if err := c.fetchStatus(context.Background(), x); err != nil {
		c.logger.Warn("Certificate status not good", "error", err)
	}
}

func (c *Controller) statusCallback(gen uint64) certstatus.Callback {
	return func(st certstatus.CertificateStatus, err error) {
		c.mbox.post(statusUpdated{gen: gen, status: st, err: err})
	}
}

// contextFor 状态更新所属的上下文；已被替换的返回 nil
func (c *Controller) contextFor(gen uint64) *Context {
	if c.pending != nil && c.pending.gen == gen {
		return c.pending
	}
	if x := c.Current(); x != nil && x.gen == gen {
		return x
	}
	return nil
}

func (c *Controller) handleStatus(m statusUpdated) {
	x := c.contextFor(m.gen)
	if x == nil {
		c.logger.Debug("Discarding status for superseded context", "gen", m.gen)
		return
	}

	if m.err != nil {
		serial := x.Keychain().Serial()
		if errors.Is(m.err, certstatus.ErrStatusMalformed) {
			c.logger.Warn("Discarding malformed status", "serial", serial, "error", m.err)
			return
		}
		c.logger.Error("Certificate status unavailable", "serial", serial, "error", m.err)
		c.security(logging.EventStatusUnreachable, logging.SeverityHigh, serial, m.err.Error())
		c.dropContext(x, triggerStatus)
		return
	}

	if err := c.applyStatus(x, m.status); err != nil {
		c.logger.Warn("Certificate status not good", "error", err)
	}
}

// applyStatus 应用一条已验证的状态
func (c *Controller) applyStatus(x *Context, st certstatus.CertificateStatus) error {
	serial := x.Keychain().Serial()
	if st.Serial != serial {
		c.logger.Warn("Discarding status for another certificate", "serial", serial, "status_serial", st.Serial)
		return nil
	}
	if cached, ok := x.Status(); ok && st.ThisUpdate.Before(cached.ThisUpdate) {
		c.logger.Warn("Discarding status older than the cached one", "serial", serial,
			"this_update", st.ThisUpdate, "cached_this_update", cached.ThisUpdate)
		return nil
	}
	x.setStatus(st)
	now := c.clock.Now()

	switch {
	case st.IsGood(now):
		if x == c.Current() {
			c.armValidity(x)
			return nil
		}
		return c.activate(x, triggerStatus)

	case st.Status == certstatus.StatusGood:
		c.security(logging.EventStatusStale, logging.SeverityHigh, serial, "status valid until "+st.ValidUntil.Format(time.RFC3339))
		c.dropContext(x, triggerStatus)
		return fmt.Errorf("status of %s is stale", serial)

	case st.Status.Terminal():
		ev := logging.EventCertRevoked
		if st.Status == certstatus.StatusExpired {
			ev = logging.EventCertExpired
		}
		c.security(ev, logging.SeverityCritical, serial, "certificate status "+st.Status.String())
		c.dropContext(x, triggerStatus)
		return fmt.Errorf("certificate %s is %s", serial, st.Status)

	default:
		if x == c.Current() {
			c.suspend(x)
		}
		c.logger.Info("Waiting for certificate status", "serial", serial, "status", st.Status.String())
		return nil
	}
}

// activate 将上下文交给监听器并进入 VALID
func (c *Controller) activate(x *Context, trigger string) error {
	serial := x.Keychain().Serial()
	if err := c.listener.EnableTLS(x.TLSConfig()); err != nil {
		c.logger.Error("Failed to enable TLS listener", "serial", serial, "error", err)
		x.unsubscribe()
		if x == c.pending {
			c.pending = nil
			c.cancelNotBefore()
		}
		c.enableFailed(StateInvalid, trigger)
		return fmt.Errorf("enable tls listener: %w", err)
	}

	if old := c.Current(); old != nil && old != x {
		old.unsubscribe()
		old.setCertValid(false)
		c.logger.Info("TLS context replaced", "old_serial", old.Keychain().Serial(), "serial", serial)
	}
	if x == c.pending {
		c.pending = nil
		c.cancelNotBefore()
	}
	c.tlsOn = true
	x.setCertValid(true)
	c.setActive(x)
	c.armValidity(x)

	st, _ := x.Status()
	c.logger.Info("TLS enabled", "serial", serial, "status", st.Status.String(), "valid_until", st.ValidUntil)
	c.setState(StateValid, trigger, serial)
	return nil
}

// suspend 非终态的非 GOOD 状态：关闭 TLS 但保留订阅，等待状态恢复
func (c *Controller) suspend(x *Context) {
	c.cancelTimer()
	closed := 0
	if c.tlsOn {
		closed = c.listener.DisableTLS()
		c.tlsOn = false
	}
	x.setCertValid(false)
	c.setActive(nil)
	if c.pending != nil {
		x.unsubscribe()
	} else {
		c.pending = x
	}
	c.logger.Warn("TLS suspended until status is GOOD", "serial", x.Keychain().Serial(), "connections_closed", closed)
	c.setState(StateAwaitingStatus, triggerStatus, x.Keychain().Serial())
}

// dropContext 丢弃失败的上下文：待定上下文失败时旧上下文继续服务，否则整体禁用
func (c *Controller) dropContext(x *Context, trigger string) {
	if x == c.pending && c.Current() != nil {
		c.dropPending()
		return
	}
	c.disable(trigger)
}

// disable 退订、关闭 TLS 连接、标记无效；没有可禁用的内容时无操作
func (c *Controller) disable(trigger string) {
	active := c.Current()
	if active == nil && c.pending == nil && !c.tlsOn {
		return
	}

	serial := ""
	for _, x := range []*Context{active, c.pending} {
		if x != nil {
			x.unsubscribe()
			x.setCertValid(false)
			serial = x.Keychain().Serial()
		}
	}
	c.cancelTimer()
	c.cancelNotBefore()

	closed := 0
	if c.tlsOn {
		closed = c.listener.DisableTLS()
		c.tlsOn = false
	}
	c.pending = nil
	c.setActive(nil)

	c.logger.Info("TLS disabled", "trigger", trigger, "connections_closed", closed)
	c.setState(StateInvalid, trigger, serial)
}

// enableFailed 启用失败：有服务中的上下文时保持不变
func (c *Controller) enableFailed(to State, trigger string) {
	if c.Current() != nil {
		return
	}
	c.dropPending()
	c.setState(to, trigger, "")
}

func (c *Controller) dropPending() {
	c.cancelNotBefore()
	if c.pending != nil {
		c.pending.unsubscribe()
		c.pending = nil
	}
}

func (c *Controller) armValidity(x *Context) {
	c.cancelTimer()
	st, _ := x.Status()
	d := st.ValidUntil.Sub(c.clock.Now())
	if d < 0 {
		d = 0
	}
	gen := x.gen
	c.validity = c.clock.AfterFunc(d, func() {
		c.mbox.post(validityExpired{gen: gen})
	})
	c.logger.Debug("Validity timer armed", "serial", x.Keychain().Serial(), "delay", d.String())
}

func (c *Controller) cancelTimer() {
	if c.validity != nil {
		c.validity.Stop()
		c.validity = nil
	}
}

// handleExpiry 定时器到期：状态仍有效则重新计时，否则禁用
func (c *Controller) handleExpiry(m validityExpired) {
	x := c.Current()
	if x == nil || x.gen != m.gen {
		return
	}
	now := c.clock.Now()
	if x.good(now) {
		c.armValidity(x)
		return
	}

	st, _ := x.Status()
	serial := x.Keychain().Serial()
	c.logger.Warn("Certificate status expired without refresh", "serial", serial, "valid_until", st.ValidUntil)
	ev := logging.EventStatusStale
	if now.After(x.Keychain().Leaf().NotAfter) {
		ev = logging.EventCertExpired
	}
	c.security(ev, logging.SeverityHigh, serial, "status valid until "+st.ValidUntil.Format(time.RFC3339))
	c.disable(triggerExpiry)
}

func (c *Controller) stop() {
	if x := c.Current(); x != nil {
		x.unsubscribe()
	}
	c.dropPending()

	if c.watcher != nil {
		c.watcher.Stop()
		c.watcher = nil
	}

	c.cancelTimer()

	if c.tlsOn {
		closed := c.listener.DisableTLS()
		c.tlsOn = false
		c.logger.Info("TLS connections closed", "count", closed)
	}

	c.setActive(nil)
	switch c.State() {
	case StateValid, StateAwaitingStatus, StateProvisioning:
		c.setState(StateInvalid, triggerStop, "")
	}
	c.logger.Info("TLS controller stopped")
}

func (c *Controller) startWatcher() error {
	if c.cfg.KeychainFile == "" {
		return nil
	}
	w, err := filewatch.New(&filewatch.Config{
		Paths:        []string{c.cfg.KeychainFile},
		PollInterval: c.cfg.PollInterval,
		InitialDelay: c.cfg.InitialPollDelay,
		OnDisable:    func() { c.mbox.post(fileDisable{}) },
		OnEnable:     func() { c.mbox.post(fileEnable{}) },
		Notify:       c.cfg.Notify,
		Logger:       c.logger,
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	c.watcher = w
	return nil
}

func (c *Controller) restartWatcher() {
	if c.watcher != nil {
		c.watcher.Stop()
		c.watcher = nil
	}
	if err := c.startWatcher(); err != nil {
		c.logger.Error("Failed to restart keychain watcher", "file", c.cfg.KeychainFile, "error", err)
	}
}

func (c *Controller) setActive(x *Context) {
	c.mu.Lock()
	c.active = x
	c.mu.Unlock()
}

func (c *Controller) setState(to State, trigger, serial string) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	if from == to {
		return
	}
	tlsState.Set(float64(to))
	c.logger.Info("TLS state changed", "from", from.String(), "to", to.String(), "trigger", trigger, "serial", serial)

	if c.audit == nil {
		return
	}
	if err := c.audit.LogTransition(context.Background(), &logging.TransitionEvent{
		Server:  c.name,
		From:    from.String(),
		To:      to.String(),
		Trigger: trigger,
		Serial:  serial,
	}); err != nil {
		c.logger.Warn("Failed to write audit log", "error", err)
	}
}

func (c *Controller) security(ev logging.SecurityEventType, sev logging.Severity, serial, msg string) {
	if c.audit == nil {
		return
	}
	if err := c.audit.LogSecurity(context.Background(), &logging.SecurityEvent{
		Serial:    serial,
		EventType: ev,
		Severity:  sev,
		Message:   msg,
		Details:   map[string]interface{}{"server": c.name},
	}); err != nil {
		c.logger.Warn("Failed to write audit log", "error", err)
	}
}
