package transport

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// TLSHealthService gRPC 健康检查中表示 TLS 可用性的服务名
const TLSHealthService = "pva.tls"

// HealthServer 通过 gRPC 健康检查协议发布 TLS 可用性
type HealthServer struct {
	hs *health.Server
}

// NewHealthServer 创建健康检查服务；初始 TLS 状态为 NOT_SERVING
func NewHealthServer() *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(TLSHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{hs: hs}
}

// SetTLSServing 更新 TLS 服务状态
func (h *HealthServer) SetTLSServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus(TLSHealthService, status)
}

// Register 注册到 gRPC 服务器
func (h *HealthServer) Register(s GRPCServer) {
	s.RegisterService(&healthpb.Health_ServiceDesc, h.hs)
}

// Shutdown 将全部服务置为 NOT_SERVING
func (h *HealthServer) Shutdown() {
	h.hs.Shutdown()
}
