package cms

import (
	"crypto/x509"
	"path/filepath"
	"testing"
	"time"

	"github.com/houzhh15/pvasec/certstatus"
	"github.com/houzhh15/pvasec/config"
	"github.com/houzhh15/pvasec/keychain"
	"github.com/houzhh15/pvasec/protocol"
	"github.com/houzhh15/pvasec/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCA(t *testing.T) *CA {
	t.Helper()
	kc, err := NewSelfSignedCA("Test CA", "pvasec test", time.Now())
	require.NoError(t, err)
	ca, err := NewCA(kc)
	require.NoError(t, err)
	return ca
}

func publicKeyPEM(t *testing.T) string {
	t.Helper()
	pub, err := EncodePublicKey(testutil.NewKey(t).Public())
	require.NoError(t, err)
	return pub
}

func TestCA_Issue(t *testing.T) {
	ca := newTestCA(t)
	now := time.Now()

	cert, err := ca.Issue(&protocol.CertCreateRequest{
		Name:         "ioc01",
		Organization: "Beamline",
		PublicKey:    publicKeyPEM(t),
	}, now, 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "ioc01", cert.Subject.CommonName)
	assert.Equal(t, []string{"Beamline"}, cert.Subject.Organization)
	assert.Equal(t, []string{"ioc01"}, cert.DNSNames)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, cert.ExtKeyUsage)
	assert.WithinDuration(t, now.Add(24*time.Hour), cert.NotAfter, time.Second)
	assert.True(t, cert.NotBefore.Before(now), "not before is backdated")
	assert.WithinDuration(t, now.Add(-time.Minute), cert.NotBefore, time.Second)
	require.NoError(t, cert.CheckSignatureFrom(ca.Certificate()))

	pv, err := certstatus.StatusEndpoint(cert)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusPV(ca.IssuerID(), protocol.SerialString(cert.SerialNumber)), pv)
	assert.Len(t, ca.IssuerID(), 8)
}

func TestCA_IssueOptions(t *testing.T) {
	ca := newTestCA(t)
	now := time.Now()

	cert, err := ca.Issue(&protocol.CertCreateRequest{
		Name:      "client01",
		Usage:     []string{protocol.UsageClient},
		PublicKey: publicKeyPEM(t),
		NoStatus:  true,
		Validity:  time.Hour,
	}, now, 24*time.Hour)
	require.NoError(t, err)

	_, err = certstatus.StatusEndpoint(cert)
	assert.ErrorIs(t, err, certstatus.ErrNoStatusExtension)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage)
	assert.WithinDuration(t, now.Add(time.Hour), cert.NotAfter, time.Second)

	// 有效期不超过 CA 本身
	long, err := ca.Issue(&protocol.CertCreateRequest{Name: "x", PublicKey: publicKeyPEM(t)}, now, 100*365*24*time.Hour)
	require.NoError(t, err)
	assert.False(t, long.NotAfter.After(ca.Certificate().NotAfter))
}

func TestCA_IssueErrors(t *testing.T) {
	ca := newTestCA(t)

	tests := []struct {
		name string
		req  *protocol.CertCreateRequest
		code int
	}{
		{"missing name", &protocol.CertCreateRequest{PublicKey: publicKeyPEM(t)}, protocol.ErrCodeInvalidRequest},
		{"bad key", &protocol.CertCreateRequest{Name: "a", PublicKey: "not pem"}, protocol.ErrCodeInvalidKey},
		{"bad usage", &protocol.CertCreateRequest{Name: "a", PublicKey: publicKeyPEM(t), Usage: []string{"ca"}}, protocol.ErrCodeInvalidUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ca.Issue(tt.req, time.Now(), time.Hour)
			require.Error(t, err)
			assert.Equal(t, tt.code, protocol.CodeOf(err))
		})
	}
}

func TestNewCA_RejectsLeaf(t *testing.T) {
	root := testutil.NewCA(t, "Root")
	leaf, key := root.Issue(t, testutil.LeafOptions{CommonName: "leaf"})
	kc, err := keychain.New(key, leaf, root.Chain(), keychain.RoleServer)
	require.NoError(t, err)

	_, err = NewCA(kc)
	assert.ErrorIs(t, err, keychain.ErrKeyUsage)
}

func TestLoadOrCreateCA(t *testing.T) {
	cfg := &config.CMSConfig{
		CAKeychainFile: filepath.Join(t.TempDir(), "ca.p12"),
		CAKeychainPwd:  "ca-secret",
		CAName:         "Test Root",
		CAOrganization: "pvasec",
	}

	created, err := LoadOrCreateCA(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "Test Root", created.Certificate().Subject.CommonName)

	loaded, err := LoadOrCreateCA(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, created.Keychain().Fingerprint(), loaded.Keychain().Fingerprint())
	assert.Equal(t, created.IssuerID(), loaded.IssuerID())

	cfg.CAKeychainPwd = "wrong"
	_, err = LoadOrCreateCA(cfg, nil)
	assert.ErrorIs(t, err, keychain.ErrParse)
}
