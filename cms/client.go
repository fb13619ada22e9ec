package cms

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/houzhh15/pvasec/protocol"
)

// ClientConfig CMS 客户端配置
type ClientConfig struct {
	BaseURL   string        // CMS API base URL
	TLSConfig *tls.Config   // TLS configuration for mTLS
	Timeout   time.Duration // HTTP timeout (default: 10s)
}

// Client CMS API 客户端（CERT:CREATE / CERT:REVOKE）
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new CMS client
func NewClient(config *ClientConfig) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: config.TLSConfig,
			},
			Timeout: timeout,
		},
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
	}
}

// CreateCertificate 请求签发证书
func (c *Client) CreateCertificate(ctx context.Context, req *protocol.CertCreateRequest) (*protocol.CertCreateResponse, error) {
	var resp protocol.CertCreateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/certs", req, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w", protocol.OpCertCreate, err)
	}
	return &resp, nil
}

// Revoke 吊销证书
func (c *Client) Revoke(ctx context.Context, serial string, reason int) (*protocol.CertInfo, error) {
	var info protocol.CertInfo
	path := "/api/v1/certs/" + url.PathEscape(serial) + "/revoke"
	if err := c.do(ctx, http.MethodPost, path, &protocol.RevokeRequest{Reason: reason}, &info); err != nil {
		return nil, fmt.Errorf("%s: %w", protocol.OpCertRevoke, err)
	}
	return &info, nil
}

// Certificate 查询证书信息
func (c *Client) Certificate(ctx context.Context, serial string) (*protocol.CertInfo, error) {
	var info protocol.CertInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/certs/"+url.PathEscape(serial), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		bodyBytes, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr protocol.Error
		if json.Unmarshal(respBytes, &apiErr) == nil && apiErr.Code != 0 {
			return &apiErr
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBytes))
	}

	if err := json.Unmarshal(respBytes, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
