package cms

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/houzhh15/pvasec/logging"
	"github.com/houzhh15/pvasec/protocol"
	"github.com/houzhh15/pvasec/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-ID"

// ServerConfig CMS API 服务器配置
type ServerConfig struct {
	CA           *CA
	Registry     *Registry
	Responder    *Responder
	SSE          transport.SSEServer
	CertValidity time.Duration
	IssueRate    float64 // 每秒签发数
	IssueBurst   int
	Logger       logging.Logger
	Audit        logging.AuditLogger // 可选
	Clock        func() time.Time
}

// Server CMS HTTP API
// 路由：
//
//	POST /api/v1/certs                   CERT:CREATE
//	GET  /api/v1/certs/:serial           证书信息
//	POST /api/v1/certs/:serial/revoke    CERT:REVOKE
//	GET  /api/v1/status/:pv              CERT:STATUS 单次查询
//	GET  /api/v1/status/:pv/stream       CERT:STATUS 订阅（SSE）
type Server struct {
	ca        *CA
	registry  *Registry
	responder *Responder
	sse       transport.SSEServer
	validity  time.Duration
	limiter   *rate.Limiter
	logger    logging.Logger
	audit     logging.AuditLogger
	clock     func() time.Time
	router    *gin.Engine
}

// NewServer 创建 CMS API 服务器
func NewServer(config *ServerConfig) (*Server, error) {
	if config == nil || config.CA == nil || config.Registry == nil || config.Responder == nil {
		return nil, errors.New("ca, registry and responder are required")
	}

	s := &Server{
		ca:        config.CA,
		registry:  config.Registry,
		responder: config.Responder,
		sse:       config.SSE,
		validity:  config.CertValidity,
		logger:    config.Logger,
		audit:     config.Audit,
		clock:     config.Clock,
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	if s.sse == nil {
		s.sse = transport.NewSSEServer(s.logger, 0)
	}
	if s.validity <= 0 {
		s.validity = 365 * 24 * time.Hour
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	limit, burst := rate.Limit(config.IssueRate), config.IssueBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(limit, burst)

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s, nil
}

// Handler 返回 HTTP 处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// SSE 状态推送服务器
func (s *Server) SSE() transport.SSEServer {
	return s.sse
}

func (s *Server) setupRoutes() {
	// 请求 ID 与请求日志
	s.router.Use(func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)

		start := time.Now()
		c.Next()
		s.logger.Debug("CMS request",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "issuer_id": s.ca.IssuerID()})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/certs", s.handleCreate)
		v1.GET("/certs/:serial", s.handleGetCert)
		v1.POST("/certs/:serial/revoke", s.handleRevoke)
		v1.GET("/status/:pv", s.handleStatus)
		v1.GET("/status/:pv/stream", s.handleStream)
	}
}

func (s *Server) handleCreate(c *gin.Context) {
	if !s.limiter.Allow() {
		certsIssued.WithLabelValues("rate_limited").Inc()
		s.writeError(c, protocol.NewError(protocol.ErrCodeRateLimited, "issuance rate limit exceeded"))
		return
	}

	var req protocol.CertCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, protocol.WrapError(protocol.ErrCodeInvalidRequest, err))
		return
	}

	now := s.clock()
	cert, err := s.ca.Issue(&req, now, s.validity)
	if err != nil {
		certsIssued.WithLabelValues("error").Inc()
		s.auditCert(c, &logging.CertificateEvent{
			Subject: req.Name, Action: "issue", Result: "denied", Reason: err.Error(),
		})
		s.writeError(c, err)
		return
	}

	serial := protocol.SerialString(cert.SerialNumber)
	statusPV := ""
	if !req.NoStatus {
		statusPV = protocol.StatusPV(s.ca.IssuerID(), serial)
	}
	usage := req.Usage
	if len(usage) == 0 {
		usage = []string{protocol.UsageServer}
	}
	record := &CertRecord{
		Serial:    serial,
		StatusPV:  statusPV,
		Subject:   cert.Subject.String(),
		IssuerID:  s.ca.IssuerID(),
		Usage:     strings.Join(usage, ","),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		Status:    protocol.StatusValid,
		CertDER:   cert.Raw,
	}
	if err := s.registry.Create(record); err != nil {
		certsIssued.WithLabelValues("error").Inc()
		s.writeError(c, protocol.WrapError(protocol.ErrCodeInternal, err))
		return
	}

	certsIssued.WithLabelValues("success").Inc()
	s.auditCert(c, &logging.CertificateEvent{
		Serial: serial, Subject: record.Subject, Action: "issue", Result: "success",
		Details: map[string]interface{}{"status_pv": statusPV, "not_after": cert.NotAfter},
	})
	s.logger.Info("Certificate issued", "request_id", c.GetString("request_id"), "serial", serial, "subject", record.Subject)

	c.JSON(http.StatusCreated, &protocol.CertCreateResponse{
		Serial:    serial,
		IssuerID:  s.ca.IssuerID(),
		StatusPV:  statusPV,
		CertPEM:   encodeCertPEM(cert),
		ChainPEM:  s.ca.ChainPEM(),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
	})
}

func (s *Server) handleGetCert(c *gin.Context) {
	record, err := s.registry.Get(c.Param("serial"))
	if err != nil {
		s.writeError(c, registryError(err))
		return
	}
	c.JSON(http.StatusOK, record.Info())
}

func (s *Server) handleRevoke(c *gin.Context) {
	var req protocol.RevokeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, protocol.WrapError(protocol.ErrCodeInvalidRequest, err))
			return
		}
	}

	serial := c.Param("serial")
	record, err := s.registry.Revoke(serial, req.Reason, s.clock())
	if err != nil {
		s.writeError(c, registryError(err))
		return
	}
	certsRevoked.Inc()
	s.auditCert(c, &logging.CertificateEvent{
		Serial: serial, Subject: record.Subject, Action: "revoke", Result: "success",
		Details: map[string]interface{}{"reason": req.Reason},
	})

	n, err := s.Publish(record)
	if err != nil {
		s.logger.Error("Failed to publish revocation", "serial", serial, "error", err)
	}
	s.logger.Info("Certificate revoked", "request_id", c.GetString("request_id"), "serial", serial, "subscribers", n)
	c.JSON(http.StatusOK, record.Info())
}

func (s *Server) handleStatus(c *gin.Context) {
	record, err := s.lookup(c.Param("pv"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	status, err := s.responder.Status(record)
	if err != nil {
		s.writeError(c, protocol.WrapError(protocol.ErrCodeSigningFailed, err))
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleStream(c *gin.Context) {
	pv := c.Param("pv")
	record, err := s.lookup(pv)
	if err != nil {
		s.writeError(c, err)
		return
	}
	status, err := s.responder.Status(record)
	if err != nil {
		s.writeError(c, protocol.WrapError(protocol.ErrCodeSigningFailed, err))
		return
	}

	clientID := uuid.NewString()
	s.logger.Debug("Status subscriber connected", "pv", pv, "client_id", clientID)
	if err := s.sse.Subscribe(c.Request.Context(), pv, clientID, c.Writer,
		transport.NewEvent(protocol.EventStatus, status)); err != nil {
		s.logger.Warn("Status stream ended", "pv", pv, "client_id", clientID, "error", err)
	}
}

// Publish 重新签名记录的状态并推送给订阅者，返回投递数
func (s *Server) Publish(record *CertRecord) (int, error) {
	if record.StatusPV == "" {
		return 0, nil
	}
	status, err := s.responder.Refresh(record)
	if err != nil {
		return 0, err
	}
	return s.sse.Publish(record.StatusPV, transport.NewEvent(protocol.EventStatus, status)), nil
}

// lookup 状态 PV 对应的注册表记录
func (s *Server) lookup(pv string) (*CertRecord, error) {
	issuerID, serial, err := protocol.ParseStatusPV(pv)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrCodePVNotFound, err)
	}
	if issuerID != s.ca.IssuerID() {
		return nil, protocol.NewError(protocol.ErrCodePVNotFound, "unknown issuer: "+issuerID).
			WithDetails("pv", pv)
	}
	record, err := s.registry.Get(serial)
	if err != nil {
		return nil, registryError(err)
	}
	if record.StatusPV != pv {
		return nil, protocol.NewError(protocol.ErrCodePVNotFound, "certificate has no status pv").
			WithDetails("pv", pv)
	}
	return record, nil
}

func registryError(err error) error {
	switch {
	case errors.Is(err, ErrCertNotFound):
		return protocol.WrapError(protocol.ErrCodeCertNotFound, err)
	case errors.Is(err, ErrAlreadyRevoked):
		return protocol.WrapError(protocol.ErrCodeAlreadyRevoked, err)
	default:
		return protocol.WrapError(protocol.ErrCodeInternal, err)
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		pe = protocol.WrapError(protocol.ErrCodeInternal, err)
	}
	if pe.HTTPStatus() >= http.StatusInternalServerError {
		s.logger.Error("CMS request failed", "request_id", c.GetString("request_id"), "path", c.Request.URL.Path, "error", pe)
	}
	c.JSON(pe.HTTPStatus(), pe)
}

func (s *Server) auditCert(c *gin.Context, event *logging.CertificateEvent) {
	if s.audit == nil {
		return
	}
	if event.Details == nil {
		event.Details = make(map[string]interface{})
	}
	event.Details["request_id"] = c.GetString("request_id")
	if err := s.audit.LogCertificate(context.Background(), event); err != nil {
		s.logger.Warn("Failed to write audit log", "error", err)
	}
}
