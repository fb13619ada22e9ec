package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/houzhh15/pvasec/logging"
)

// 搜索应答中通告的传输协议
const (
	ProtocolTCP = "tcp"
	ProtocolTLS = "tls"
)

var errTLSDisabled = errors.New("tls is disabled")

// SearchResponse 搜索应答中与 TLS 状态相关的部分
type SearchResponse struct {
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Addr     string `json:"addr"`
}

// ReactorConfig Reactor 配置
type ReactorConfig struct {
	PlainAddr      string
	TLSAddr        string
	Handler        ConnHandler
	Health         *HealthServer
	MaxConnections int // 默认 10000
	Logger         logging.Logger
}

// Reactor 持有 plain/TLS 监听器及其连接
// plain 监听器常驻；TLS 监听器只在 EnableTLS 与 DisableTLS 之间存在
type Reactor struct {
	plainAddr      string
	tlsAddr        string
	handler        ConnHandler
	health         *HealthServer
	maxConnections int
	logger         logging.Logger

	tlsConfig atomic.Pointer[tls.Config]

	mu       sync.Mutex
	plainLn  net.Listener
	tlsLn    net.Listener
	conns    map[net.Conn]bool // value: secure
	started  bool
	stopped  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewReactor 创建 Reactor
func NewReactor(config *ReactorConfig) *Reactor {
	if config == nil {
		config = &ReactorConfig{}
	}
	r := &Reactor{
		plainAddr:      config.PlainAddr,
		tlsAddr:        config.TLSAddr,
		handler:        config.Handler,
		health:         config.Health,
		maxConnections: config.MaxConnections,
		logger:         config.Logger,
		conns:          make(map[net.Conn]bool),
		stopChan:       make(chan struct{}),
	}
	if r.handler == nil {
		r.handler = IdleHandler{}
	}
	if r.maxConnections <= 0 {
		r.maxConnections = 10000
	}
	if r.logger == nil {
		r.logger = logging.Nop()
	}
	return r
}

// Start 打开 plain 监听器
func (r *Reactor) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New("reactor already started")
	}
	ln, err := net.Listen("tcp", r.plainAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.plainAddr, err)
	}
	r.plainLn = ln
	r.started = true

	r.wg.Add(1)
	go r.acceptLoop(ln, false)

	r.logger.Info("Plain listener started", "addr", ln.Addr().String())
	r.reportTLS(false)
	return nil
}

// EnableTLS 打开 TLS 监听器；已打开时只替换配置，已建立连接不受影响
func (r *Reactor) EnableTLS(config *tls.Config) error {
	if config == nil {
		return errors.New("tls config is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return errors.New("reactor stopped")
	}

	r.tlsConfig.Store(config)
	if r.tlsLn != nil {
		r.logger.Info("TLS configuration swapped", "addr", r.tlsLn.Addr().String())
		return nil
	}

	inner, err := net.Listen("tcp", r.tlsAddr)
	if err != nil {
		r.tlsConfig.Store(nil)
		return fmt.Errorf("failed to listen on %s with TLS: %w", r.tlsAddr, err)
	}
	ln := tls.NewListener(inner, &tls.Config{GetConfigForClient: r.configForClient})
	r.tlsLn = ln

	r.wg.Add(1)
	go r.acceptLoop(ln, true)

	r.logger.Info("TLS listener started", "addr", inner.Addr().String())
	r.reportTLS(true)
	return nil
}

func (r *Reactor) configForClient(*tls.ClientHelloInfo) (*tls.Config, error) {
	cfg := r.tlsConfig.Load()
	if cfg == nil {
		return nil, errTLSDisabled
	}
	return cfg, nil
}

// DisableTLS 关闭 TLS 监听器和全部 TLS 连接，plain 连接不受影响；返回关闭的连接数
func (r *Reactor) DisableTLS() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disableTLSLocked()
}

func (r *Reactor) disableTLSLocked() int {
	r.tlsConfig.Store(nil)
	if r.tlsLn != nil {
		r.tlsLn.Close()
		r.tlsLn = nil
	}

	closed := 0
	for conn, secure := range r.conns {
		if secure {
			conn.Close()
			delete(r.conns, conn)
			closed++
		}
	}
	if closed > 0 {
		tlsConnectionsClosed.Add(float64(closed))
	}
	r.logger.Info("TLS disabled", "connections_closed", closed)
	r.reportTLS(false)
	return closed
}

// TLSEnabled TLS 监听器是否存在
func (r *Reactor) TLSEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tlsLn != nil
}

// Advertise 搜索应答中通告的协议
func (r *Reactor) Advertise() string {
	if r.TLSEnabled() {
		return ProtocolTLS
	}
	return ProtocolTCP
}

// Search 生成搜索应答
func (r *Reactor) Search(name string) SearchResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	resp := SearchResponse{Name: name, Protocol: ProtocolTCP}
	switch {
	case r.tlsLn != nil:
		resp.Protocol = ProtocolTLS
		resp.Addr = r.tlsLn.Addr().String()
	case r.plainLn != nil:
		resp.Addr = r.plainLn.Addr().String()
	}
	return resp
}

// PlainAddr plain 监听地址
func (r *Reactor) PlainAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.plainLn == nil {
		return nil
	}
	return r.plainLn.Addr()
}

// TLSAddr TLS 监听地址；未启用时为 nil
func (r *Reactor) TLSAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tlsLn == nil {
		return nil
	}
	return r.tlsLn.Addr()
}

// Connections 当前连接数（plain, tls）
func (r *Reactor) Connections() (plain, secure int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.conns {
		if s {
			secure++
		} else {
			plain++
		}
	}
	return plain, secure
}

// Stop 关闭全部监听器和连接并等待处理 goroutine 退出
func (r *Reactor) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.stopChan)

	r.disableTLSLocked()
	if r.plainLn != nil {
		r.plainLn.Close()
	}
	for conn := range r.conns {
		conn.Close()
		delete(r.conns, conn)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Reactor stopped gracefully")
	return nil
}

func (r *Reactor) reportTLS(enabled bool) {
	v := 0.0
	if enabled {
		v = 1
	}
	tlsEnabled.Set(v)
	if r.health != nil {
		r.health.SetTLSServing(enabled)
	}
}

// acceptLoop 接受连接循环，监听器关闭后退出
func (r *Reactor) acceptLoop(ln net.Listener, secure bool) {
	defer r.wg.Done()

	label := ProtocolTCP
	if secure {
		label = ProtocolTLS
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-r.stopChan:
				return
			default:
			}
			r.logger.Error("Failed to accept connection", "transport", label, "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		r.mu.Lock()
		// 监听器已被替换或关闭（DisableTLS 与 Accept 竞争）
		if r.stopped || (secure && r.tlsLn != ln) {
			r.mu.Unlock()
			conn.Close()
			continue
		}
		if len(r.conns) >= r.maxConnections {
			r.mu.Unlock()
			r.logger.Warn("Max connections reached, rejecting", "max", r.maxConnections)
			conn.Close()
			continue
		}
		r.conns[conn] = secure
		r.mu.Unlock()
		activeConnections.WithLabelValues(label).Inc()

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() {
				conn.Close()
				r.mu.Lock()
				delete(r.conns, conn)
				r.mu.Unlock()
				activeConnections.WithLabelValues(label).Dec()
			}()
			r.handler.ServeConn(conn, secure)
		}()
	}
}

// IdleHandler 读取并丢弃数据直到对端关闭（独立运行时的占位协议层）
type IdleHandler struct{}

// ServeConn 实现 ConnHandler
func (IdleHandler) ServeConn(conn net.Conn, secure bool) {
	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			return
		}
	}
	io.Copy(io.Discard, conn)
}
