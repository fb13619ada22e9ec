package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAudit(t *testing.T) (*FileAuditLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	a, err := NewFileAuditLogger(path, Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, path
}

func TestFileAuditLogger_LogTransition(t *testing.T) {
	a, path := newTestAudit(t)

	err := a.LogTransition(context.Background(), &TransitionEvent{
		Server:  "pvasrv",
		From:    "AwaitingStatus",
		To:      "Valid",
		Trigger: "status",
		Serial:  "1f",
	})
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var rec AuditLog
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
	assert.Equal(t, "transition", rec.EventType)
	assert.Equal(t, "Valid", rec.Indexed["action"])
}

func TestFileAuditLogger_NilEvents(t *testing.T) {
	a, _ := newTestAudit(t)
	ctx := context.Background()

	assert.Error(t, a.LogTransition(ctx, nil))
	assert.Error(t, a.LogCertificate(ctx, nil))
	assert.Error(t, a.LogSecurity(ctx, nil))
}

func TestFileAuditLogger_Query(t *testing.T) {
	a, _ := newTestAudit(t)
	ctx := context.Background()

	require.NoError(t, a.LogCertificate(ctx, &CertificateEvent{Serial: "01", Action: "issue", Result: "success"}))
	require.NoError(t, a.LogCertificate(ctx, &CertificateEvent{Serial: "02", Action: "issue", Result: "success"}))
	require.NoError(t, a.LogCertificate(ctx, &CertificateEvent{Serial: "01", Action: "revoke", Result: "success"}))
	require.NoError(t, a.LogSecurity(ctx, &SecurityEvent{
		Serial:    "01",
		EventType: EventCertRevoked,
		Severity:  SeverityHigh,
		Message:   "certificate revoked",
	}))

	bySerial, err := a.Query(ctx, &AuditFilter{Serial: "01"})
	require.NoError(t, err)
	assert.Len(t, bySerial, 3)

	revokes, err := a.Query(ctx, &AuditFilter{Action: "revoke"})
	require.NoError(t, err)
	assert.Len(t, revokes, 1)

	sec, err := a.Query(ctx, &AuditFilter{EventType: EventCertRevoked, Severity: SeverityHigh})
	require.NoError(t, err)
	assert.Len(t, sec, 1)

	paged, err := a.Query(ctx, &AuditFilter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, paged, 2)

	future, err := a.Query(ctx, &AuditFilter{StartTime: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)
}
