package certstatus

import (
	"bufio"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/houzhh15/pvasec/protocol"
)

const maxRetryInterval = 5 * time.Second

// Subscription 一个 SSE 状态订阅
// 连接建立后一旦断开，只投递一次 ErrSubscriptionLost，不自动重订阅
type Subscription struct {
	m        *Manager
	pv       string
	cert     *x509.Certificate
	issuer   *x509.Certificate
	callback Callback
	cancel   context.CancelFunc
	closed   atomic.Bool
	done     chan struct{}
}

// Subscribe 订阅证书状态，回调在订阅 goroutine 中执行
func (m *Manager) Subscribe(cert, issuer *x509.Certificate, cb Callback) (Handle, error) {
	s, err := m.subscribe(cert, issuer, cb)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) subscribe(cert, issuer *x509.Certificate, cb Callback) (*Subscription, error) {
	pv, err := StatusEndpoint(cert)
	if err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, fmt.Errorf("subscribe %s: callback is nil", pv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		m:        m,
		pv:       pv,
		cert:     cert,
		issuer:   issuer,
		callback: cb,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

// Unsubscribe 取消订阅；幂等，可在回调内调用，不等待 goroutine 退出
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}
}

// Done 订阅 goroutine 退出后关闭
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Endpoint 订阅的状态 PV
func (s *Subscription) Endpoint() string {
	return s.pv
}

func (s *Subscription) deliver(status CertificateStatus, err error) {
	if s.closed.Load() {
		return
	}
	s.callback(status, err)
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	logger := s.m.logger

	backoff := s.m.retryInterval
	var lastErr error
	for attempt := 0; attempt <= s.m.connectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxRetryInterval {
				backoff = maxRetryInterval
			}
		}

		body, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lastErr = err
			logger.Warn("Status stream connect failed", "pv", s.pv, "attempt", attempt+1, "error", err)
			continue
		}

		logger.Debug("Status stream connected", "pv", s.pv)
		err = s.readEventStream(ctx, body)
		body.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Warn("Status stream ended", "pv", s.pv, "error", err)
		s.deliver(CertificateStatus{}, fmt.Errorf("%w: %s: %v", ErrSubscriptionLost, s.pv, err))
		return
	}

	s.deliver(CertificateStatus{}, fmt.Errorf("%w: %s: %v", ErrStatusUnreachable, s.pv, lastErr))
}

func (s *Subscription) connect(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.m.statusURL(s.pv, true), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")

	resp, err := s.m.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// readEventStream 读取 SSE 事件，直到连接关闭
func (s *Subscription) readEventStream(ctx context.Context, body io.Reader) error {
	reader := bufio.NewReader(body)
	var eventType string
	var data strings.Builder

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("connection closed")
			}
			return fmt.Errorf("read line: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if data.Len() > 0 {
				s.handleEvent(eventType, data.String())
			}
			eventType = ""
			data.Reset()
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (s *Subscription) handleEvent(eventType, data string) {
	switch eventType {
	case protocol.EventStatus, "":
		status, err := ParseRecord([]byte(data), s.cert, s.issuer, s.m.clock())
		if err != nil {
			s.m.logger.Warn("Discarding status record", "pv", s.pv, "error", err)
			s.deliver(CertificateStatus{}, err)
			return
		}
		statusUpdates.WithLabelValues(status.Status.String()).Inc()
		s.deliver(status, nil)
	case protocol.EventHeartbeat:
	default:
		s.m.logger.Debug("Unknown status stream event", "pv", s.pv, "type", eventType)
	}
}
