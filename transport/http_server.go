package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

// HTTPServerConfig HTTP 服务器配置
type HTTPServerConfig struct {
	TLSConfig    *tls.Config
	ReadTimeout  time.Duration // 默认 15s
	WriteTimeout time.Duration // 0 表示不限制（SSE 长连接需要）
	IdleTimeout  time.Duration // 默认 60s
}

// httpServer HTTP/REST API 服务器实现
// 支持 TLS、中间件链、优雅关闭
type httpServer struct {
	server      *http.Server
	config      HTTPServerConfig
	middlewares []func(http.Handler) http.Handler
	mu          sync.RWMutex
}

// NewHTTPServer 创建 HTTP 服务器
func NewHTTPServer(config *HTTPServerConfig) HTTPServer {
	if config == nil {
		config = &HTTPServerConfig{}
	}
	cfg := *config
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &httpServer{
		config:      cfg,
		middlewares: make([]func(http.Handler) http.Handler, 0),
	}
}

// RegisterMiddleware 注册中间件（先注册的在最外层）
func (s *httpServer) RegisterMiddleware(mw func(http.Handler) http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// Start 监听并服务
func (s *httpServer) Start(addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln, handler)
}

// Serve 在已有监听器上服务，Stop 后返回 nil
func (s *httpServer) Serve(ln net.Listener, handler http.Handler) error {
	s.mu.Lock()
	finalHandler := handler
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		finalHandler = s.middlewares[i](finalHandler)
	}

	s.server = &http.Server{
		Handler:      finalHandler,
		TLSConfig:    s.config.TLSConfig,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	server := s.server
	s.mu.Unlock()

	var err error
	if s.config.TLSConfig != nil {
		err = server.ServeTLS(ln, "", "")
	} else {
		err = server.Serve(ln)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop 优雅关闭服务器（5 秒超时后强制关闭）
func (s *httpServer) Stop() error {
	s.mu.RLock()
	server := s.server
	s.mu.RUnlock()

	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return server.Close()
	}
	return nil
}
