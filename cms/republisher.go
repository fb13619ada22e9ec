package cms

import (
	"context"
	"time"

	"github.com/houzhh15/pvasec/logging"
	"github.com/houzhh15/pvasec/protocol"
)

// Republisher 周期性标记过期证书，并在 NextUpdate 之前向订阅者推送新签名的状态
type Republisher struct {
	server   *Server
	interval time.Duration
	logger   logging.Logger
	audit    logging.AuditLogger
}

// NewRepublisher 创建状态重发器
func NewRepublisher(server *Server, interval time.Duration) *Republisher {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Republisher{
		server:   server,
		interval: interval,
		logger:   logging.With(server.logger, "component", "republisher"),
		audit:    server.audit,
	}
}

// Run 阻塞运行直到 ctx 结束
func (r *Republisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Status republisher started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Status republisher stopped")
			return nil
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick 执行一轮：先处理过期，再为有订阅者的记录重新签名推送
func (r *Republisher) Tick() {
	now := r.server.clock()

	expired, err := r.server.registry.MarkExpired(now)
	if err != nil {
		r.logger.Error("Failed to mark expired certificates", "error", err)
	}
	for i := range expired {
		rec := &expired[i]
		if r.audit != nil {
			if err := r.audit.LogCertificate(context.Background(), &logging.CertificateEvent{
				Serial: rec.Serial, Subject: rec.Subject, Action: "expire", Result: "success",
			}); err != nil {
				r.logger.Warn("Failed to write audit log", "serial", rec.Serial, "error", err)
			}
		}
	}

	published := 0
	for _, status := range []string{protocol.StatusValid, protocol.StatusExpired, protocol.StatusRevoked} {
		records, err := r.server.registry.List(status)
		if err != nil {
			r.logger.Error("Failed to list certificates", "status", status, "error", err)
			continue
		}
		for i := range records {
			rec := &records[i]
			if rec.StatusPV == "" || r.server.sse.Subscribers(rec.StatusPV) == 0 {
				continue
			}
			n, err := r.server.Publish(rec)
			if err != nil {
				r.logger.Error("Failed to republish status", "serial", rec.Serial, "error", err)
				continue
			}
			published += n
		}
	}
	if len(expired) > 0 || published > 0 {
		r.logger.Debug("Status republished", "expired", len(expired), "delivered", published)
	}
}
