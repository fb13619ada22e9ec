package transport

import (
	"context"
	"net"
	"net/http"

	"google.golang.org/grpc"
)

// ConnHandler PVA 协议传输层（外部协作者），每个连接在独立 goroutine 中调用
type ConnHandler interface {
	// ServeConn 处理连接直到对端关闭；secure 表示连接来自 TLS 监听器
	ServeConn(conn net.Conn, secure bool)
}

// ConnHandlerFunc 函数适配器
type ConnHandlerFunc func(conn net.Conn, secure bool)

// ServeConn 实现 ConnHandler
func (f ConnHandlerFunc) ServeConn(conn net.Conn, secure bool) {
	f(conn, secure)
}

// HTTPServer HTTP/REST API 服务器（CMS 与 metrics 端点）
type HTTPServer interface {
	// Start 监听并服务，阻塞直到 Stop
	Start(addr string, handler http.Handler) error
	// Serve 在已有监听器上服务
	Serve(ln net.Listener, handler http.Handler) error
	// Stop 优雅关闭
	Stop() error
	// RegisterMiddleware 注册中间件
	RegisterMiddleware(mw func(http.Handler) http.Handler)
}

// SSEServer 按主题推送的 SSE 服务器（证书状态流）
type SSEServer interface {
	// Stop 断开全部订阅者
	Stop() error
	// Subscribe 订阅主题（阻塞式，直到 ctx 结束、服务器停止或客户端过慢）
	Subscribe(ctx context.Context, topic, clientID string, w http.ResponseWriter, initial ...*Event) error
	// Publish 向主题的全部订阅者推送，返回投递数
	Publish(topic string, event *Event) int
	// Subscribers 主题当前订阅者数
	Subscribers(topic string) int
}

// GRPCServer gRPC 服务器（健康检查）
type GRPCServer interface {
	// Start 启动 gRPC 服务器
	Start(addr string) error
	// Serve 在已有监听器上服务
	Serve(ln net.Listener) error
	// Stop 停止服务器
	Stop() error
	// RegisterService 注册 gRPC 服务
	RegisterService(desc *grpc.ServiceDesc, impl interface{})
}
