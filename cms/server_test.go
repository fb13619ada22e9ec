package cms

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/houzhh15/pvasec/certstatus"
	"github.com/houzhh15/pvasec/config"
	"github.com/houzhh15/pvasec/keychain"
	"github.com/houzhh15/pvasec/logging"
	"github.com/houzhh15/pvasec/protocol"
	"github.com/houzhh15/pvasec/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

type testCMS struct {
	ca       *CA
	registry *Registry
	server   *Server
	clock    *testClock
	audit    *logging.FileAuditLogger
	http     *httptest.Server
	client   *Client
}

func newTestCMS(t *testing.T, issueRate float64, issueBurst int) *testCMS {
	t.Helper()
	ca := newTestCA(t)
	clock := newTestClock()
	registry := newTestRegistry(t)
	responder, err := NewResponder(ca, 30*time.Minute, 64, clock.Now)
	require.NoError(t, err)

	audit, err := logging.NewFileAuditLogger(t.TempDir()+"/audit.log", nil)
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	sse := transport.NewSSEServer(nil, time.Minute)
	server, err := NewServer(&ServerConfig{
		CA:           ca,
		Registry:     registry,
		Responder:    responder,
		SSE:          sse,
		CertValidity: 24 * time.Hour,
		IssueRate:    issueRate,
		IssueBurst:   issueBurst,
		Audit:        audit,
		Clock:        clock.Now,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	// 先断开 SSE 长连接，否则 ts.Close 会一直等待
	t.Cleanup(func() { sse.Stop() })

	return &testCMS{
		ca:       ca,
		registry: registry,
		server:   server,
		clock:    clock,
		audit:    audit,
		http:     ts,
		client:   NewClient(&ClientConfig{BaseURL: ts.URL, Timeout: 5 * time.Second}),
	}
}

func (tc *testCMS) issue(t *testing.T, req *protocol.CertCreateRequest) (*protocol.CertCreateResponse, *x509.Certificate) {
	t.Helper()
	if req.PublicKey == "" {
		req.PublicKey = publicKeyPEM(t)
	}
	resp, err := tc.client.CreateCertificate(context.Background(), req)
	require.NoError(t, err)
	certs, err := parseCertsPEM(resp.CertPEM)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	return resp, certs[0]
}

func (tc *testCMS) manager() *certstatus.Manager {
	return certstatus.NewManager(&certstatus.Config{
		BaseURL:        tc.http.URL,
		Timeout:        5 * time.Second,
		ConnectRetries: 1,
		RetryInterval:  10 * time.Millisecond,
		Clock:          tc.clock.Now,
	})
}

func statusChan(t *testing.T, m *certstatus.Manager, cert, issuer *x509.Certificate) <-chan certstatus.CertificateStatus {
	t.Helper()
	updates := make(chan certstatus.CertificateStatus, 8)
	h, err := m.Subscribe(cert, issuer, func(st certstatus.CertificateStatus, err error) {
		if err != nil {
			return
		}
		select {
		case updates <- st:
		default:
		}
	})
	require.NoError(t, err)
	t.Cleanup(h.Unsubscribe)
	return updates
}

func nextStatus(t *testing.T, updates <-chan certstatus.CertificateStatus) certstatus.CertificateStatus {
	t.Helper()
	select {
	case st := <-updates:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("no status update received")
		return certstatus.CertificateStatus{}
	}
}

func apiError(t *testing.T, err error) *protocol.Error {
	t.Helper()
	var pe *protocol.Error
	require.True(t, errors.As(err, &pe), "want *protocol.Error, got %v", err)
	return pe
}

func TestServer_IssueStatusRevoke(t *testing.T) {
	tc := newTestCMS(t, 0, 0)
	ctx := context.Background()

	resp, cert := tc.issue(t, &protocol.CertCreateRequest{Name: "ioc01"})
	assert.Equal(t, tc.ca.IssuerID(), resp.IssuerID)
	assert.Equal(t, protocol.StatusPV(tc.ca.IssuerID(), resp.Serial), resp.StatusPV)
	assert.Equal(t, resp.Serial, protocol.SerialString(cert.SerialNumber))

	pv, err := certstatus.StatusEndpoint(cert)
	require.NoError(t, err)
	assert.Equal(t, resp.StatusPV, pv)

	m := tc.manager()
	st, err := m.Fetch(ctx, cert, tc.ca.Certificate())
	require.NoError(t, err)
	assert.Equal(t, certstatus.StatusGood, st.Status)

	updates := statusChan(t, m, cert, tc.ca.Certificate())
	assert.Equal(t, certstatus.StatusGood, nextStatus(t, updates).Status)
	assert.Equal(t, 1, tc.server.SSE().Subscribers(pv))

	info, err := tc.client.Revoke(ctx, resp.Serial, ocsp.KeyCompromise)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusRevoked, info.Status)

	pushed := nextStatus(t, updates)
	assert.Equal(t, certstatus.StatusRevoked, pushed.Status)
	assert.False(t, pushed.RevokedAt.IsZero())

	st, err = m.Fetch(ctx, cert, tc.ca.Certificate())
	require.NoError(t, err)
	assert.Equal(t, certstatus.StatusRevoked, st.Status)

	_, err = tc.client.Revoke(ctx, resp.Serial, 0)
	pe := apiError(t, err)
	assert.Equal(t, protocol.ErrCodeAlreadyRevoked, pe.Code)
	assert.Equal(t, http.StatusConflict, pe.HTTPStatus())

	logs, err := tc.audit.Query(ctx, &logging.AuditFilter{Serial: resp.Serial})
	require.NoError(t, err)
	assert.Len(t, logs, 2) // issue + revoke
}

func TestServer_GetCertificate(t *testing.T) {
	tc := newTestCMS(t, 0, 0)
	ctx := context.Background()

	resp, _ := tc.issue(t, &protocol.CertCreateRequest{Name: "ioc02", Organization: "Beamline"})

	info, err := tc.client.Certificate(ctx, resp.Serial)
	require.NoError(t, err)
	assert.Equal(t, resp.Serial, info.Serial)
	assert.Contains(t, info.Subject, "ioc02")
	assert.Equal(t, protocol.StatusValid, info.Status)
	assert.Equal(t, resp.StatusPV, info.StatusPV)

	_, err = tc.client.Certificate(ctx, "abcdef")
	assert.Equal(t, protocol.ErrCodeCertNotFound, apiError(t, err).Code)
}

func TestServer_IssueErrors(t *testing.T) {
	tc := newTestCMS(t, 0, 0)
	ctx := context.Background()

	_, err := tc.client.CreateCertificate(ctx, &protocol.CertCreateRequest{Name: "a", PublicKey: "garbage"})
	pe := apiError(t, err)
	assert.Equal(t, protocol.ErrCodeInvalidKey, pe.Code)
	assert.Equal(t, http.StatusBadRequest, pe.HTTPStatus())

	_, err = tc.client.CreateCertificate(ctx, &protocol.CertCreateRequest{Name: "a", PublicKey: publicKeyPEM(t), Usage: []string{"signing"}})
	assert.Equal(t, protocol.ErrCodeInvalidUsage, apiError(t, err).Code)

	res, err := http.Post(tc.http.URL+"/api/v1/certs", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestServer_RateLimited(t *testing.T) {
	tc := newTestCMS(t, 0.001, 1)
	ctx := context.Background()

	tc.issue(t, &protocol.CertCreateRequest{Name: "first"})

	_, err := tc.client.CreateCertificate(ctx, &protocol.CertCreateRequest{Name: "second", PublicKey: publicKeyPEM(t)})
	pe := apiError(t, err)
	assert.Equal(t, protocol.ErrCodeRateLimited, pe.Code)
	assert.Equal(t, http.StatusTooManyRequests, pe.HTTPStatus())
}

func TestServer_StatusLookupErrors(t *testing.T) {
	tc := newTestCMS(t, 0, 0)
	noStatus, _ := tc.issue(t, &protocol.CertCreateRequest{Name: "plain", NoStatus: true})
	assert.Empty(t, noStatus.StatusPV)

	tests := []struct {
		name string
		pv   string
		code int
	}{
		{"malformed", "garbage", protocol.ErrCodePVNotFound},
		{"other issuer", protocol.StatusPV("deadbeef", "1"), protocol.ErrCodePVNotFound},
		{"unknown serial", protocol.StatusPV(tc.ca.IssuerID(), "abc"), protocol.ErrCodeCertNotFound},
		{"no status extension", protocol.StatusPV(tc.ca.IssuerID(), noStatus.Serial), protocol.ErrCodePVNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, suffix := range []string{"", "/stream"} {
				res, err := http.Get(tc.http.URL + "/api/v1/status/" + url.PathEscape(tt.pv) + suffix)
				require.NoError(t, err)
				var pe protocol.Error
				require.NoError(t, json.NewDecoder(res.Body).Decode(&pe))
				res.Body.Close()
				assert.Equal(t, http.StatusNotFound, res.StatusCode)
				assert.Equal(t, tt.code, pe.Code)
			}
		})
	}
}

func TestServer_HealthAndRequestID(t *testing.T) {
	tc := newTestCMS(t, 0, 0)

	res, err := http.Get(tc.http.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get(requestIDHeader))

	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, tc.ca.IssuerID(), body["issuer_id"])

	metrics, err := http.Get(tc.http.URL + "/metrics")
	require.NoError(t, err)
	metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestRepublisher_Tick(t *testing.T) {
	tc := newTestCMS(t, 0, 0)

	resp, cert := tc.issue(t, &protocol.CertCreateRequest{Name: "ioc03", Validity: time.Hour})
	updates := statusChan(t, tc.manager(), cert, tc.ca.Certificate())
	first := nextStatus(t, updates)
	assert.Equal(t, certstatus.StatusGood, first.Status)

	tc.clock.Advance(2 * time.Hour)
	NewRepublisher(tc.server, time.Minute).Tick()

	rec, err := tc.registry.Get(resp.Serial)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusExpired, rec.Status)

	pushed := nextStatus(t, updates)
	assert.True(t, pushed.ThisUpdate.After(first.ThisUpdate))
}

func TestRepublisher_AuditFailureLogged(t *testing.T) {
	ca := newTestCA(t)
	registry := newTestRegistry(t)
	responder, err := NewResponder(ca, 30*time.Minute, 16, time.Now)
	require.NoError(t, err)

	audit, err := logging.NewFileAuditLogger(t.TempDir()+"/audit.log", nil)
	require.NoError(t, err)
	require.NoError(t, audit.Close())

	var buf bytes.Buffer
	server, err := NewServer(&ServerConfig{
		CA:        ca,
		Registry:  registry,
		Responder: responder,
		Logger:    logging.NewWriterLogger(&buf, logging.LevelDebug, logging.FormatText),
		Audit:     audit,
	})
	require.NoError(t, err)
	t.Cleanup(func() { server.SSE().Stop() })

	rec, _ := issueRecord(t, ca, time.Now().Add(-48*time.Hour))
	require.NoError(t, registry.Create(rec))

	NewRepublisher(server, time.Minute).Tick()

	got, err := registry.Get(rec.Serial)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusExpired, got.Status)
	assert.Contains(t, buf.String(), "Failed to write audit log")
	assert.Contains(t, buf.String(), rec.Serial)
}

func TestRepublisher_RunStops(t *testing.T) {
	tc := newTestCMS(t, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRepublisher(tc.server, 10*time.Millisecond).Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("republisher did not stop")
	}
}

func TestProvisioner(t *testing.T) {
	tc := newTestCMS(t, 0, 0)
	cfg := &config.TLSConfig{ProvisionName: "localhost", ProvisionOrg: "pvasec"}

	kc, err := NewProvisioner(tc.client, cfg, nil).Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keychain.RoleServer, kc.Role())
	assert.Equal(t, "localhost", kc.Leaf().Subject.CommonName)
	require.NotNil(t, kc.Issuer())
	assert.True(t, kc.Issuer().Equal(tc.ca.Certificate()))

	rec, err := tc.registry.Get(kc.Serial())
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusValid, rec.Status)

	_, err = NewProvisioner(tc.client, &config.TLSConfig{}, nil).Provision(context.Background())
	assert.Error(t, err)
}

func TestProvisioner_Unreachable(t *testing.T) {
	client := NewClient(&ClientConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	_, err := NewProvisioner(client, &config.TLSConfig{ProvisionName: "ioc"}, nil).Provision(context.Background())
	assert.Error(t, err)
}
