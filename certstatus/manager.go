package certstatus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/houzhh15/pvasec/logging"
	"github.com/houzhh15/pvasec/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const maxRecordSize = 1 << 20

var statusUpdates = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pva_cert_status_updates_total",
		Help: "Certificate status records received, by status",
	},
	[]string{"status"},
)

// Config 状态管理器配置
type Config struct {
	BaseURL        string        // CMS 地址，例如 http://cms:8080
	Timeout        time.Duration // 单次查询超时
	TLSConfig      *tls.Config
	HTTPClient     *http.Client
	ConnectRetries int           // 订阅初次连接重试次数
	RetryInterval  time.Duration // 初次重试间隔，之后翻倍
	Clock          func() time.Time
	Logger         logging.Logger
}

// Manager 证书状态管理器
type Manager struct {
	baseURL        string
	timeout        time.Duration
	client         *http.Client
	streamClient   *http.Client
	connectRetries int
	retryInterval  time.Duration
	clock          func() time.Time
	logger         logging.Logger
}

// NewManager 创建状态管理器
func NewManager(config *Config) *Manager {
	if config == nil {
		config = &Config{}
	}
	m := &Manager{
		baseURL:        strings.TrimSuffix(config.BaseURL, "/"),
		timeout:        config.Timeout,
		connectRetries: config.ConnectRetries,
		retryInterval:  config.RetryInterval,
		clock:          config.Clock,
		logger:         config.Logger,
	}
	if m.timeout <= 0 {
		m.timeout = 5 * time.Second
	}
	if m.connectRetries <= 0 {
		m.connectRetries = 3
	}
	if m.retryInterval <= 0 {
		m.retryInterval = 500 * time.Millisecond
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.logger == nil {
		m.logger = logging.Nop()
	}

	if config.HTTPClient != nil {
		m.client = config.HTTPClient
		m.streamClient = config.HTTPClient
	} else {
		transport := &http.Transport{TLSClientConfig: config.TLSConfig}
		m.client = &http.Client{Transport: transport}
		// SSE 长连接不设超时
		m.streamClient = &http.Client{Transport: transport, Timeout: 0}
	}
	return m
}

// Endpoint 证书的状态 PV
func (m *Manager) Endpoint(cert *x509.Certificate) (string, error) {
	return StatusEndpoint(cert)
}

func (m *Manager) statusURL(pv string, stream bool) string {
	u := m.baseURL + "/api/v1/status/" + url.PathEscape(pv)
	if stream {
		u += "/stream"
	}
	return u
}

// Fetch 同步查询一次证书状态
func (m *Manager) Fetch(ctx context.Context, cert, issuer *x509.Certificate) (CertificateStatus, error) {
	pv, err := StatusEndpoint(cert)
	if err != nil {
		return CertificateStatus{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statusURL(pv, false), nil)
	if err != nil {
		return CertificateStatus{}, fmt.Errorf("%w: create request: %v", ErrStatusUnreachable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return CertificateStatus{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordSize))
	if err != nil {
		return CertificateStatus{}, classify(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr protocol.Error
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			return CertificateStatus{}, fmt.Errorf("%w: %s: %v", ErrStatusUnreachable, pv, &apiErr)
		}
		return CertificateStatus{}, fmt.Errorf("%w: %s: http %d", ErrStatusUnreachable, pv, resp.StatusCode)
	}

	status, err := ParseRecord(body, cert, issuer, m.clock())
	if err != nil {
		m.logger.Warn("Discarding status record", "pv", pv, "error", err)
		return CertificateStatus{}, err
	}
	statusUpdates.WithLabelValues(status.Status.String()).Inc()
	return status, nil
}

// classify 区分超时与不可达
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStatusTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrStatusTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrStatusUnreachable, err)
}
