package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// grpcServer gRPC 服务器实现
type grpcServer struct {
	server    *grpc.Server
	tlsConfig *tls.Config
	listener  net.Listener
	mu        sync.RWMutex
	services  []serviceDesc
}

type serviceDesc struct {
	desc *grpc.ServiceDesc
	impl interface{}
}

// NewGRPCServer 创建 gRPC 服务器
func NewGRPCServer(tlsConfig *tls.Config) GRPCServer {
	return &grpcServer{
		tlsConfig: tlsConfig,
		services:  make([]serviceDesc, 0),
	}
}

// RegisterService 注册 gRPC 服务（启动前调用）
func (s *grpcServer) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.services = append(s.services, serviceDesc{desc: desc, impl: impl})
}

// Start 监听并启动 gRPC 服务器（阻塞）
func (s *grpcServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Serve 在已有监听器上启动（阻塞）
func (s *grpcServer) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		lis.Close()
		return fmt.Errorf("gRPC server already started")
	}
	s.listener = lis

	opts := []grpc.ServerOption{}
	if s.tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsConfig)))
	}

	s.server = grpc.NewServer(opts...)
	for _, svc := range s.services {
		s.server.RegisterService(svc.desc, svc.impl)
	}
	server := s.server
	s.mu.Unlock()

	if err := server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

func (s *grpcServer) running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server != nil
}

// Stop 停止 gRPC 服务器（优雅关闭）
func (s *grpcServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	s.server.GracefulStop()
	return nil
}
